package domain

import "time"

// Medium identifies the kind of feed a ping refers to.
type Medium string

const (
	MediumPodcast    Medium = "podcast"
	MediumMusic      Medium = "music"
	MediumVideo      Medium = "video"
	MediumFilm       Medium = "film"
	MediumAudiobook  Medium = "audiobook"
	MediumNewsletter Medium = "newsletter"
	MediumBlog       Medium = "blog"
)

func (m Medium) IsValid() bool {
	switch m {
	case MediumPodcast, MediumMusic, MediumVideo, MediumFilm, MediumAudiobook, MediumNewsletter, MediumBlog:
		return true
	}
	return false
}

// Reason identifies why the feed is being pinged.
type Reason string

const (
	ReasonUpdate  Reason = "update"
	ReasonLive    Reason = "live"
	ReasonLiveEnd Reason = "liveEnd"
)

func (r Reason) IsValid() bool {
	switch r {
	case ReasonUpdate, ReasonLive, ReasonLiveEnd:
		return true
	}
	return false
}

// Ping is a single validated feed identifier waiting to be written to the
// ledger. Immutable once created; owned by the batching queue until it is
// snapshotted into a Batch.
type Ping struct {
	IRI        string
	EnqueuedAt time.Time
}
