package model

import (
	"fmt"
	"strings"
	"time"
)

// NewsletterStatus only ever moves from sending to sent.
type NewsletterStatus string

const (
	NewsletterSending NewsletterStatus = "sending"
	NewsletterSent    NewsletterStatus = "sent"
)

func (s NewsletterStatus) Valid() bool {
	return s == NewsletterSending || s == NewsletterSent
}

// Newsletter is the record of one send.
type Newsletter struct {
	ID              string           `json:"id"`
	Subject         string           `json:"subject"`
	Content         string           `json:"content"`
	PreviewText     string           `json:"previewText"`
	SentAt          time.Time        `json:"sentAt"`
	SubscriberCount int              `json:"subscriberCount"`
	SuccessCount    int              `json:"successCount"`
	FailCount       int              `json:"failCount"`
	Status          NewsletterStatus `json:"status"`
}

// MarkSent completes a send. Only a sending record can be completed.
func (n *Newsletter) MarkSent(success, failed int) error {
	if n.Status != NewsletterSending {
		return fmt.Errorf("newsletter %s: cannot mark %s as sent", n.ID, n.Status)
	}
	n.SuccessCount = success
	n.FailCount = failed
	n.Status = NewsletterSent
	return nil
}

// NormalizeEmail is the canonical form used for subscriber membership.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
