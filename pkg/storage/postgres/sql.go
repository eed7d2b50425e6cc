package postgres

const insertEventSQL = `
INSERT INTO analytics_events (
  id, event_type, user_id, business_id, platform,
  ip_address, user_agent, session_id, payload,
  occurred_at, recorded_at, error_code, error_message
) VALUES ($1,$2,$3,NULLIF($4,''),$5,NULLIF($6,''),NULLIF($7,''),NULLIF($8,''),$9,$10,$11,NULLIF($12,''),NULLIF($13,''))
`

const selectEventsSQL = `
SELECT id, event_type, user_id, COALESCE(business_id,''), platform,
       COALESCE(ip_address,''), COALESCE(user_agent,''), COALESCE(session_id,''), payload,
       occurred_at, recorded_at, COALESCE(error_code,''), COALESCE(error_message,'')
FROM analytics_events
`

// One row per business with events on the day; existing rows are kept.
const createSnapshotsSQL = `
INSERT INTO daily_snapshots (
  entity_id, snapshot_date, views, unique_visitors, clicks, reviews,
  total_events, by_platform, created_at
)
SELECT e.business_id, $1::date,
       COUNT(*) FILTER (WHERE e.event_type = 'business_view'),
       COUNT(DISTINCT e.user_id) FILTER (WHERE e.event_type = 'business_view'),
       COUNT(*) FILTER (WHERE e.event_type = 'business_click'),
       COUNT(*) FILTER (WHERE e.event_type = 'review_created'),
       COUNT(*),
       (SELECT jsonb_object_agg(p.platform, p.n)
          FROM (SELECT platform, COUNT(*) AS n
                  FROM analytics_events
                 WHERE business_id = e.business_id
                   AND occurred_at >= $2 AND occurred_at < $3
                 GROUP BY platform) p),
       $4
FROM analytics_events e
WHERE e.business_id IS NOT NULL
  AND e.occurred_at >= $2 AND e.occurred_at < $3
GROUP BY e.business_id
ON CONFLICT (entity_id, snapshot_date) DO NOTHING
`

const deleteSnapshotsSQL = `
DELETE FROM daily_snapshots WHERE snapshot_date < $1::date
`

const selectSnapshotColumns = `
SELECT entity_id, to_char(snapshot_date, 'YYYY-MM-DD'), views, unique_visitors,
       clicks, reviews, total_events, by_platform, created_at
FROM daily_snapshots
`

const getSnapshotSQL = selectSnapshotColumns + `WHERE entity_id = $1 AND snapshot_date = $2::date`

const listSnapshotsSQL = selectSnapshotColumns + `WHERE entity_id = $1 ORDER BY snapshot_date`

const getBaselineSQL = `
SELECT business_id, views, reviews, rating, observed_at
FROM business_baselines WHERE business_id = $1
`

const upsertBaselineSQL = `
INSERT INTO business_baselines (business_id, views, reviews, rating, observed_at)
VALUES ($1,$2,$3,$4,$5)
ON CONFLICT (business_id) DO UPDATE SET
  views = EXCLUDED.views, reviews = EXCLUDED.reviews,
  rating = EXCLUDED.rating, observed_at = EXCLUDED.observed_at
`

// businesses is owned by the main application database
const currentMetricsSQL = `
SELECT id, COALESCE(name,''), view_count, review_count, COALESCE(rating,0)
FROM businesses WHERE owner_id = $1 ORDER BY id
`

const ownsBusinessSQL = `
SELECT EXISTS (SELECT 1 FROM businesses WHERE id = $1 AND owner_id = $2)
`
