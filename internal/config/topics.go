package config

const (
	// TopicJobReady is the NSQ topic for "a pending job exists" nudges.
	// The database claim stays authoritative; a lost or duplicated nudge is
	// harmless because workers also poll.
	TopicJobReady = "jobs.ready"
)
