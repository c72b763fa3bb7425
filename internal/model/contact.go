package model

import (
	"fmt"
	"time"
)

// ContactStatus is the lifecycle of a contact submission. Archiving is a
// status, not a deletion.
type ContactStatus string

const (
	StatusNew        ContactStatus = "new"
	StatusContacted  ContactStatus = "contacted"
	StatusInProgress ContactStatus = "in-progress"
	StatusCompleted  ContactStatus = "completed"
	StatusArchived   ContactStatus = "archived"
)

// ContactStatuses lists every status in display order.
var ContactStatuses = []ContactStatus{
	StatusNew, StatusContacted, StatusInProgress, StatusCompleted, StatusArchived,
}

// Valid reports whether s is a known status.
func (s ContactStatus) Valid() bool {
	switch s {
	case StatusNew, StatusContacted, StatusInProgress, StatusCompleted, StatusArchived:
		return true
	}
	return false
}

// ParseContactStatus converts user input to a ContactStatus.
func ParseContactStatus(s string) (ContactStatus, error) {
	st := ContactStatus(s)
	if !st.Valid() {
		return "", fmt.Errorf("unknown contact status %q", s)
	}
	return st, nil
}

// Contact is a contact form submission.
type Contact struct {
	ID          string        `json:"id"`
	Name        string        `json:"name"`
	Email       string        `json:"email"`
	Company     string        `json:"company,omitempty"`
	Service     string        `json:"service,omitempty"`
	Budget      string        `json:"budget,omitempty"`
	Timeline    string        `json:"timeline,omitempty"`
	Message     string        `json:"message"`
	SubmittedAt time.Time     `json:"submittedAt"`
	Status      ContactStatus `json:"status"`
	Notes       string        `json:"notes,omitempty"`
	LastUpdated *time.Time    `json:"lastUpdated,omitempty"`
	EmailSent   *bool         `json:"emailSent,omitempty"`
}

// Clone returns a deep copy.
func (c Contact) Clone() Contact {
	if c.LastUpdated != nil {
		t := *c.LastUpdated
		c.LastUpdated = &t
	}
	if c.EmailSent != nil {
		b := *c.EmailSent
		c.EmailSent = &b
	}
	return c
}

// StatusCounts tallies contacts per status; every status is present.
func StatusCounts(contacts []Contact) map[ContactStatus]int {
	counts := make(map[ContactStatus]int, len(ContactStatuses))
	for _, s := range ContactStatuses {
		counts[s] = 0
	}
	for _, c := range contacts {
		counts[c.Status]++
	}
	return counts
}

// Analytics are the derived dashboard figures for a contact list.
type Analytics struct {
	TotalContacts  int                   `json:"totalContacts"`
	StatusCounts   map[ContactStatus]int `json:"statusCounts"`
	ResponseRate   float64               `json:"responseRate"`
	CompletionRate float64               `json:"completionRate"`
}

// ComputeAnalytics derives Analytics. Response rate is the share of
// contacts no longer new; completion rate the share completed. Both are
// percentages rounded to one decimal.
func ComputeAnalytics(contacts []Contact) Analytics {
	counts := StatusCounts(contacts)
	a := Analytics{TotalContacts: len(contacts), StatusCounts: counts}
	if len(contacts) == 0 {
		return a
	}
	total := float64(len(contacts))
	a.ResponseRate = percent(float64(len(contacts)-counts[StatusNew]), total)
	a.CompletionRate = percent(float64(counts[StatusCompleted]), total)
	return a
}

func percent(part, total float64) float64 {
	v := part / total * 1000
	return float64(int64(v+0.5)) / 10
}
