/*
Package events records analytics events.

Recording is best effort: Record never returns an error to the operation
that triggered it. Failures are logged, counted in
pulse_event_record_failures_total and handed back inside a Result the caller
is free to discard.

	res := recorder.RecordRequest(ctx, r, page, &types.AnalyticsEvent{
		Type:       types.EventBusinessView,
		UserID:     userID,
		BusinessID: businessID,
	})
	_ = res

Platform classification looks at the user agent first (mobile, android or
iphone means Mobile), then at the path the event originated from (under
the API prefix means Api), and defaults to Web. The origin is the page
path reported by the client, else the Referer, else the ingestion path
itself, so server-to-server callers without a page land on Api.
*/
package events
