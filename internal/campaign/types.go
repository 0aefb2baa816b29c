package campaign

import (
	"errors"
	"sort"
	"strconv"
	"sync/atomic"
	"time"
)

var (
	ErrNotFound           = errors.New("campaign not found")
	ErrAlreadyDispatching = errors.New("campaign is already dispatching")
	ErrAlreadyCompleted   = errors.New("campaign already sent")
	ErrNoRecipients       = errors.New("campaign has no recipients")
)

type Status string

const (
	StatusDraft   Status = "draft"
	StatusSending Status = "sending"
	StatusSent    Status = "sent"
)

// Stats are the aggregate counters shown to the operator.
//
// Sent <= Total always holds. Delivered and Read are best-effort: receipts may
// reference recipients whose attempt failed or has not been recorded yet.
type Stats struct {
	Total         int `json:"total"`
	Sent          int `json:"sent"`
	Failed        int `json:"failed"`
	Delivered     int `json:"delivered"`
	Read          int `json:"read"`
	Responses     int `json:"responses"`
	FollowUpsSent int `json:"followUpsSent"`
}

// ResponseRate is responses/sent as a rounded percentage.
func (s Stats) ResponseRate() int {
	if s.Sent <= 0 {
		return 0
	}
	return int(float64(s.Responses)/float64(s.Sent)*100 + 0.5)
}

type Result string

const (
	ResultSuccess Result = "success"
	ResultFailure Result = "failure"
)

// Reason classifies a failed attempt.
type Reason string

const (
	ReasonNone          Reason = ""
	ReasonNotRegistered Reason = "not_registered"
	ReasonRateLimited   Reason = "rate_limited"
	ReasonOther         Reason = "other"
)

// SendAttempt is one dispatch of one message to one recipient. Appended, never mutated.
type SendAttempt struct {
	Recipient string    `json:"recipient"`
	Result    Result    `json:"result"`
	Reason    Reason    `json:"reason,omitempty"`
	Error     string    `json:"error,omitempty"`
	MessageID string    `json:"messageId,omitempty"`
	At        time.Time `json:"at"`
}

func (a SendAttempt) OK() bool { return a.Result == ResultSuccess }

type ReceiptKind string

const (
	ReceiptDelivered ReceiptKind = "delivered"
	ReceiptRead      ReceiptKind = "read"
)

// Receipt is an inbound delivery signal. It is folded into Stats and
// MessageStatus rather than stored on its own.
type Receipt struct {
	Recipient string      `json:"recipient"`
	Kind      ReceiptKind `json:"kind"`
	At        time.Time   `json:"at"`
}

// RecipientStatus records the first receipt of each kind for one recipient.
type RecipientStatus struct {
	DeliveredAt *time.Time `json:"deliveredAt,omitempty"`
	ReadAt      *time.Time `json:"readAt,omitempty"`
	Delivered   int        `json:"delivered,omitempty"`
	Read        int        `json:"read,omitempty"`
}

// Response is an inbound reply correlated to a campaign.
type Response struct {
	ID      string    `json:"id"`
	From    string    `json:"from"`
	Text    string    `json:"text,omitempty"`
	Media   bool      `json:"media,omitempty"`
	At      time.Time `json:"at"`
	IsGroup bool      `json:"isGroup,omitempty"`
	GroupID string    `json:"groupId,omitempty"`
}

// Display returns the text or a marker for non-text messages.
func (r Response) Display() string {
	if r.Media || r.Text == "" {
		return "Media message"
	}
	return r.Text
}

// FollowUp is a secondary send pass over a campaign's recipients.
type FollowUp struct {
	ID         string        `json:"id"`
	CampaignID string        `json:"campaignId"`
	Message    string        `json:"message"`
	SentAt     time.Time     `json:"sentAt"`
	Results    []SendAttempt `json:"results"`
}

func (f FollowUp) Succeeded() int {
	n := 0
	for _, r := range f.Results {
		if r.OK() {
			n++
		}
	}
	return n
}

// Campaign is the durable record owned by the store.
type Campaign struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	Message     string     `json:"message"`
	ContactList string     `json:"contactList"`
	Status      Status     `json:"status"`
	CreatedAt   time.Time  `json:"createdAt"`
	StartedAt   *time.Time `json:"startedAt,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`

	Recipients []string `json:"recipients"`
	// Cursor is the number of recipients already attempted by the current run.
	Cursor   int           `json:"cursor"`
	Attempts []SendAttempt `json:"attempts,omitempty"`

	MessageStatus map[string]*RecipientStatus `json:"messageStatus,omitempty"`
	Stats         Stats                       `json:"stats"`
}

var lastID atomic.Int64

// NewID returns a creation-time token. Successive calls never repeat.
func NewID(now time.Time) string {
	for {
		prev := lastID.Load()
		n := now.UnixMilli()
		if n <= prev {
			n = prev + 1
		}
		if lastID.CompareAndSwap(prev, n) {
			return strconv.FormatInt(n, 10)
		}
	}
}

// New builds a draft campaign for the given canonical recipients.
func New(name, message, list string, recipients []string, now time.Time) *Campaign {
	return &Campaign{
		ID:          NewID(now),
		Name:        name,
		Message:     message,
		ContactList: list,
		Status:      StatusDraft,
		CreatedAt:   now,
		Recipients:  append([]string(nil), recipients...),
		Stats:       Stats{Total: len(recipients)},
	}
}

// HasRecipient reports whether addr is in the campaign recipient list.
func (c *Campaign) HasRecipient(addr string) bool {
	for _, r := range c.Recipients {
		if r == addr {
			return true
		}
	}
	return false
}

// Failures returns failed attempts in recipient-sequence order.
func (c *Campaign) Failures() []SendAttempt {
	var out []SendAttempt
	for _, a := range c.Attempts {
		if !a.OK() {
			out = append(out, a)
		}
	}
	return out
}

// Clone returns a deep copy so callers cannot mutate store-owned state.
func (c *Campaign) Clone() *Campaign {
	if c == nil {
		return nil
	}
	cp := *c
	cp.Recipients = append([]string(nil), c.Recipients...)
	cp.Attempts = append([]SendAttempt(nil), c.Attempts...)
	if c.MessageStatus != nil {
		cp.MessageStatus = make(map[string]*RecipientStatus, len(c.MessageStatus))
		for k, v := range c.MessageStatus {
			if v == nil {
				continue
			}
			st := *v
			cp.MessageStatus[k] = &st
		}
	}
	return &cp
}

// SortNewestFirst orders campaigns by creation time, newest first.
func SortNewestFirst(cs []*Campaign) {
	sort.SliceStable(cs, func(i, j int) bool {
		if cs[i].CreatedAt.Equal(cs[j].CreatedAt) {
			return cs[i].ID > cs[j].ID
		}
		return cs[i].CreatedAt.After(cs[j].CreatedAt)
	})
}

// Summary is the end-of-run report.
type Summary struct {
	CampaignID string        `json:"campaignId"`
	Total      int           `json:"total"`
	Succeeded  int           `json:"succeeded"`
	Failed     int           `json:"failed"`
	Failures   []SendAttempt `json:"failures,omitempty"`
	Complete   bool          `json:"complete"`
}

// Summarize builds the report from the recorded attempts.
func Summarize(c *Campaign) Summary {
	s := Summary{CampaignID: c.ID, Total: c.Stats.Total, Complete: c.Status == StatusSent}
	for _, a := range c.Attempts {
		if a.OK() {
			s.Succeeded++
			continue
		}
		s.Failed++
		s.Failures = append(s.Failures, a)
	}
	return s
}
