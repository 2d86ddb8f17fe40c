package monitor

import "time"

// Outcome is the detector's classification of one connection.
type Outcome string

const (
	OutcomePrivate     Outcome = "private"
	OutcomeBlacklisted Outcome = "blacklisted"
	OutcomeWhitelisted Outcome = "whitelisted"
	OutcomeResolved    Outcome = "resolved"     // DNS history exists, legitimate
	OutcomeHardcoded   Outcome = "hardcoded_ip" // no DNS history, blacklisted now
)

// ReportKind distinguishes why a report was raised.
type ReportKind string

const (
	ReportHardcodedIP   ReportKind = "hardcoded_ip"
	ReportBlacklistedIP ReportKind = "blacklisted_ip"
)

// Confidence tells whether OpenSnitch independently blocked the address.
type Confidence string

const (
	ConfidenceConfirmed   Confidence = "confirmed"
	ConfidenceNeedsReview Confidence = "needs_review"
	ConfidenceUnknown     Confidence = "" // OpenSnitch disabled
)

// CompromiseReport records that a container reached an address it never
// resolved, or one already on the blacklist.
type CompromiseReport struct {
	ID         string     `json:"id"` // Unique report ID
	Timestamp  time.Time  `json:"timestamp"`
	Kind       ReportKind `json:"kind"`
	Container  string     `json:"container"`
	SourceIP   string     `json:"source_ip"`
	IP         string     `json:"ip"`
	Port       int        `json:"port"`
	Historical bool       `json:"historical"` // found while replaying old logs
	Blocked    bool       `json:"blocked"`    // DROP rule in place
	Confidence Confidence `json:"confidence,omitempty"`
}

// ContainerSummary aggregates the reports raised for one container.
type ContainerSummary struct {
	Container string   `json:"container"`
	Alerts    int      `json:"alerts"`
	IPs       []string `json:"ips"`
}
