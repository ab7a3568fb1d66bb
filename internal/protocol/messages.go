package protocol

import "time"

const (
	SubjectSpeak           = "voicebot.speak"
	SubjectControl         = "voicebot.control"
	SubjectJobStatusPrefix = "voicebot.job.status"

	JobStream = "VOICEBOT_JOBS"
)

// JobStatusSubject is the per-guild subject job transitions are published on.
func JobStatusSubject(guildID string) string {
	return SubjectJobStatusPrefix + "." + guildID
}

// SpeakRequest asks the bot to read text aloud in a guild.
type SpeakRequest struct {
	GuildID string `json:"guild_id"`
	Text    string `json:"text"`
	StyleID string `json:"style_id,omitempty"`
	Source  string `json:"source,omitempty"`
}

type SpeakReply struct {
	JobID   string `json:"job_id,omitempty"`
	Pending int    `json:"pending"`
	Error   string `json:"error,omitempty"`
}

type ControlAction string

const (
	ActionSkip  ControlAction = "skip"
	ActionClear ControlAction = "clear"
	ActionQueue ControlAction = "queue"
)

type ControlRequest struct {
	GuildID string        `json:"guild_id"`
	Action  ControlAction `json:"action"`
}

type QueuedJob struct {
	JobID      string    `json:"job_id"`
	Text       string    `json:"text"`
	StyleID    string    `json:"style_id"`
	Source     string    `json:"source"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

type ControlReply struct {
	GuildID string        `json:"guild_id"`
	Action  ControlAction `json:"action"`
	Skipped string        `json:"skipped,omitempty"`
	Dropped int           `json:"dropped,omitempty"`
	Running bool          `json:"running"`
	Active  string        `json:"active_job_id,omitempty"`
	Pending []QueuedJob   `json:"pending,omitempty"`
	Error   string        `json:"error,omitempty"`
}

// JobStatus is broadcast on every job transition.
type JobStatus struct {
	JobID     string    `json:"job_id"`
	GuildID   string    `json:"guild_id"`
	Status    string    `json:"status"`
	Source    string    `json:"source,omitempty"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}
