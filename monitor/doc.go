// Package monitor keeps a rolling log of security events and raises alerts
// when event patterns cross configured thresholds. Three triggers raise
// alerts: high or critical event severity, a burst of events from one source
// inside the rate window, and repeated-offender escalation once a source has
// accumulated enough prior alerts. Alerts fan out to pluggable notifiers
// (log, webhook, AMQP) behind a token-bucket throttle so an alert storm
// cannot overwhelm downstream channels.
package monitor
