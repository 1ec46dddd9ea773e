package model

import "time"

// TranscriptionStatus is the transcription lane of a record.
// Transitions only move forward, except failed -> processing (retry)
// and pending/failed -> skipped. completed and skipped are terminal.
type TranscriptionStatus string

const (
	TranscriptionPending    TranscriptionStatus = "pending"
	TranscriptionProcessing TranscriptionStatus = "processing"
	TranscriptionCompleted  TranscriptionStatus = "completed"
	TranscriptionFailed     TranscriptionStatus = "failed"
	TranscriptionSkipped    TranscriptionStatus = "skipped"
)

// DeliveryStatus is the forwarding lane of a record. sent is terminal;
// failed is only re-queued by an explicit reprocess, never by the
// scheduler. skipped marks records excluded by policy (cutoff,
// too-short voicemails).
type DeliveryStatus string

const (
	DeliveryPending    DeliveryStatus = "pending"
	DeliveryProcessing DeliveryStatus = "processing"
	DeliverySent       DeliveryStatus = "sent"
	DeliveryFailed     DeliveryStatus = "failed"
	DeliverySkipped    DeliveryStatus = "skipped"
)

// Transcript sentinels: placeholder texts meaning "nothing to work
// with", not failures. Records carrying one are never enriched.
const (
	SentinelNoAudio       = "[No audio]"
	SentinelTooShort      = "[Too short]"
	SentinelNoContent     = "[No audio content]"
	SentinelAudioTooShort = "[Audio too short to transcribe]"
)

// Summary sentinels. SentinelNoMeaningfulContent is a terminal content
// outcome (transcript below the useful minimum). SentinelNoSummary
// marks a soft enrichment failure and stays re-claimable.
const (
	SentinelNoMeaningfulContent = "[No meaningful content]"
	SentinelNoSummary           = "[No summary]"
)

var transcriptSentinels = map[string]bool{
	SentinelNoAudio:       true,
	SentinelTooShort:      true,
	SentinelNoContent:     true,
	SentinelAudioTooShort: true,
}

func IsTranscriptSentinel(text string) bool {
	return transcriptSentinels[text]
}

func IsSummarySentinel(text string) bool {
	return text == SentinelNoMeaningfulContent || text == SentinelNoSummary
}

// Record is one voicemail observed at the telephony provider,
// identified by (Provider, ExternalID).
type Record struct {
	ID         int64
	Provider   string
	ExternalID string

	FromNumber   string
	ToNumber     string
	ToNumberName string
	Duration     int // seconds
	ReceivedAt   time.Time
	FileURL      *string // provider download URL, expires
	LocalPath    *string // nil until audio downloaded
	Unread       bool

	TranscriptionStatus     TranscriptionStatus
	TranscriptionText       *string
	TranscriptionLanguage   *string
	TranscriptionConfidence *float64
	TranscriptionAttempts   int
	TranscribedAt           *time.Time

	CorrectedText *string
	Summary       *string
	SummaryEN     *string
	Sentiment     *string
	Emotion       *string
	Category      *string
	Urgent        bool
	EmailSubject  *string
	SummaryModel  *string
	SummarizedAt  *time.Time

	DeliveryStatus    DeliveryStatus
	DeliveryMessageID *string
	DeliveredAt       *time.Time

	LastError *string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Transcript returns the transcription text, empty when unset.
func (r *Record) Transcript() string {
	if r.TranscriptionText == nil {
		return ""
	}
	return *r.TranscriptionText
}

// BestText prefers the LLM-corrected transcript over the raw one.
func (r *Record) BestText() string {
	if r.CorrectedText != nil && *r.CorrectedText != "" {
		return *r.CorrectedText
	}
	return r.Transcript()
}

func (r *Record) HasAudio() bool {
	return r.LocalPath != nil && *r.LocalPath != ""
}

// SyncMeta is the provider-side view of a voicemail handed to the
// record store by the sync stage. Initial lane statuses are decided by
// the sync stage (too-short voicemails go straight to skipped) and
// apply on insert only; an upsert of an existing record never touches
// its statuses.
type SyncMeta struct {
	Provider     string
	ExternalID   string
	FromNumber   string
	ToNumber     string
	ToNumberName string
	Duration     int
	ReceivedAt   time.Time
	FileURL      string
	Unread       bool

	InitialTranscription TranscriptionStatus
	InitialText          string // sentinel when skipped at sync time
	InitialDelivery      DeliveryStatus
}

// TranscriptionOutcome commits one transcription attempt.
type TranscriptionOutcome struct {
	Status     TranscriptionStatus // completed, failed or skipped
	Text       string
	Language   string
	Confidence float64
	Error      string // reason when failed
}

// EnrichmentOutcome commits one enrichment result.
type EnrichmentOutcome struct {
	CorrectedText string
	Summary       string
	SummaryEN     string
	Sentiment     string
	Emotion       string
	Category      string
	Urgent        bool
	EmailSubject  string
	Model         string
}

// DeliveryOutcome commits one forwarding attempt.
type DeliveryOutcome struct {
	Status    DeliveryStatus // sent, failed or skipped
	MessageID string
	Error     string
}
