// Package model holds the domain types shared by the site API and the
// admin client.
package model

import "time"

// Source says where a dashboard response came from.
type Source string

const (
	SourceCache         Source = "cache"
	SourceBatchFetch    Source = "batch-fetch"
	SourceFallbackCache Source = "fallback-cache"
)

// Section names one independently cached part of the dashboard.
type Section string

const (
	SectionSubscribers Section = "subscribers"
	SectionNewsletters Section = "newsletters"
	SectionContacts    Section = "contacts"
)

// Sections lists every section.
var Sections = []Section{SectionSubscribers, SectionNewsletters, SectionContacts}

type SubscribersSection struct {
	Subscribers []string `json:"subscribers"`
	Count       int      `json:"count"`
}

type NewslettersSection struct {
	Newsletters []Newsletter `json:"newsletters"`
	Count       int          `json:"count"`
}

type ContactsSection struct {
	Contacts     []Contact             `json:"contacts"`
	Count        int                   `json:"count"`
	StatusCounts map[ContactStatus]int `json:"statusCounts"`
}

// DashboardData is the body of GET /admin/dashboard-data.
type DashboardData struct {
	Subscribers SubscribersSection `json:"subscribers"`
	Newsletters NewslettersSection `json:"newsletters"`
	Contacts    ContactsSection    `json:"contacts"`
	LastUpdated time.Time          `json:"lastUpdated"`
	Source      Source             `json:"source"`
	// Stale lists sections served from a last-known-good snapshot.
	Stale []Section `json:"stale,omitempty"`
	// Errors annotates sections whose fetch failed.
	Errors map[Section]string `json:"errors,omitempty"`
}
