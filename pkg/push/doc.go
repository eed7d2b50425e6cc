/*
Package push periodically sends current business metrics to subscribed users.

A single loop wakes every Tick and claims every user whose refresh interval
has elapsed since its last push. Claiming stamps the last push time and marks
the user in flight, so a slow push is never started twice for one user.
Claimed users are pushed in parallel with a bounded worker group.

For each user the scheduler publishes:

  - metrics.update on user:{id} with all of the user's businesses
  - metrics.business on business:{bid}:user:{id} for each business
  - notification.surge on user:{id} when views rose by at least
    SurgeThreshold over the stored baseline
  - notification.reviews on user:{id} when the review count grew

Baselines are persisted per business and replaced after each comparison. A
business seen for the first time only records its baseline. Errors and
panics while pushing one user are logged and counted; the other users of the
tick are unaffected.
*/
package push
