/*
Package client is a Go client for the pulse push endpoint.

	c, err := client.Dial(ctx, "https://pulse.example.com", token)
	if err != nil {
		return err
	}
	defer c.Close()

	_ = c.JoinBusiness("42", userID)
	_ = c.SetRefreshInterval(10)

	for msg := range c.Messages() {
		switch msg.Type {
		case types.MessageMetricsUpdate:
			// ...
		case types.MessageSurge:
			// ...
		}
	}
	if err := c.Err(); err != nil {
		return err
	}

Control messages are fire and forget: Join and SetRefreshInterval return
once the frame is written, not once the server applied it. Sending Ping
and waiting for the pong with WaitFor confirms that every earlier
message was processed.

Dial maps a 401 answer to types.ErrUnauthenticated and a 503 answer to
types.ErrAdmissionRejected.
*/
package client
