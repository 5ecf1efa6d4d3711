package domain

import (
	"math"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
)

// DefaultOfferTTL is how long an offer stays open when the submitter does not
// give an explicit expiry.
const DefaultOfferTTL = 48 * time.Hour

// OfferStatus tracks a single offer's lifecycle.
type OfferStatus string

const (
	OfferStatusPending   OfferStatus = "pending"
	OfferStatusAccepted  OfferStatus = "accepted"
	OfferStatusRejected  OfferStatus = "rejected"
	OfferStatusCountered OfferStatus = "countered"
	OfferStatusWithdrawn OfferStatus = "withdrawn"
)

// FinancingType is how the buyer intends to pay.
type FinancingType string

const (
	FinancingCash         FinancingType = "cash"
	FinancingConventional FinancingType = "conventional"
	FinancingFHA          FinancingType = "fha"
	FinancingVA           FinancingType = "va"
	FinancingUSDA         FinancingType = "usda"
	FinancingOther        FinancingType = "other"
)

func (f FinancingType) valid() bool {
	switch f {
	case FinancingCash, FinancingConventional, FinancingFHA, FinancingVA, FinancingUSDA, FinancingOther:
		return true
	}
	return false
}

// ContingencyType names the condition an offer depends on.
type ContingencyType string

const (
	ContingencyInspection ContingencyType = "inspection"
	ContingencyFinancing  ContingencyType = "financing"
	ContingencyAppraisal  ContingencyType = "appraisal"
	ContingencySaleOfHome ContingencyType = "sale-of-home"
	ContingencyOther      ContingencyType = "other"
)

func (c ContingencyType) valid() bool {
	switch c {
	case ContingencyInspection, ContingencyFinancing, ContingencyAppraisal, ContingencySaleOfHome, ContingencyOther:
		return true
	}
	return false
}

// Contingency is one condition attached to an offer.
type Contingency struct {
	Type        ContingencyType `json:"type"`
	Description string          `json:"description,omitempty"`
	Deadline    *Timestamp      `json:"deadline,omitempty"`
}

// DownPayment describes the buyer's cash contribution.
type DownPayment struct {
	Amount     float64 `json:"amount"`
	Percentage float64 `json:"percentage"`
}

// Terms is the closed set of conditions that travel with an offer amount.
type Terms struct {
	ClosingDate          *Timestamp    `json:"closing_date,omitempty"`
	FinancingType        FinancingType `json:"financing_type,omitempty"`
	Contingencies        []Contingency `json:"contingencies,omitempty"`
	DownPayment          *DownPayment  `json:"down_payment,omitempty"`
	EarnestMoney         float64       `json:"earnest_money,omitempty"`
	InspectionPeriodDays int           `json:"inspection_period_days,omitempty"`
	AdditionalTerms      string        `json:"additional_terms,omitempty"`
}

// Validate checks enum membership and numeric ranges.
func (t Terms) Validate() error {
	if t.FinancingType != "" && !t.FinancingType.valid() {
		return invalid("unknown financing type %q", t.FinancingType)
	}
	for i, c := range t.Contingencies {
		if !c.Type.valid() {
			return invalid("contingency %d: unknown type %q", i, c.Type)
		}
	}
	if dp := t.DownPayment; dp != nil {
		if !nonNegative(dp.Amount) {
			return invalid("down payment amount must be a non-negative number")
		}
		if math.IsNaN(dp.Percentage) || dp.Percentage < 0 || dp.Percentage > 100 {
			return invalid("down payment percentage must be between 0 and 100")
		}
	}
	if !nonNegative(t.EarnestMoney) {
		return invalid("earnest money must be a non-negative number")
	}
	if t.InspectionPeriodDays < 0 {
		return invalid("inspection period must not be negative")
	}
	return nil
}

// DocumentType classifies a document attached to an offer.
type DocumentType string

const (
	DocumentPreApproval  DocumentType = "pre-approval"
	DocumentProofOfFunds DocumentType = "proof-of-funds"
	DocumentContract     DocumentType = "contract"
	DocumentAddendum     DocumentType = "addendum"
	DocumentOther        DocumentType = "other"
)

func (d DocumentType) valid() bool {
	switch d {
	case DocumentPreApproval, DocumentProofOfFunds, DocumentContract, DocumentAddendum, DocumentOther:
		return true
	}
	return false
}

// Document references a file that backs an offer. The file itself lives in
// the caller's storage.
type Document struct {
	Name       string       `json:"name"`
	URL        string       `json:"url"`
	Type       DocumentType `json:"type"`
	UploadedAt time.Time    `json:"uploaded_at"`
}

// Offer is one priced proposal inside a negotiation. ResponseBy is the
// submitter's requested answer deadline; it is advisory and only ExpiresAt
// closes the offer.
type Offer struct {
	ID          string      `json:"id"`
	Amount      float64     `json:"amount"`
	Terms       Terms       `json:"terms"`
	Status      OfferStatus `json:"status"`
	SubmittedBy string      `json:"submitted_by"`
	SubmittedAt time.Time   `json:"submitted_at"`
	ExpiresAt   time.Time   `json:"expires_at"`
	ResponseBy  *time.Time  `json:"response_by,omitempty"`
	Documents   []Document  `json:"documents,omitempty"`
	RespondedAt *time.Time  `json:"responded_at,omitempty"`
}

// OfferInput is the caller-supplied part of an offer. Documents carry name,
// url and type; uploaded_at is stamped on submit.
type OfferInput struct {
	Amount     float64    `json:"amount"`
	Terms      Terms      `json:"terms"`
	ExpiresAt  *Timestamp `json:"expires_at,omitempty"`
	ResponseBy *Timestamp `json:"response_by,omitempty"`
	Documents  []Document `json:"documents,omitempty"`
}

// Validate checks the amount, terms, documents and deadlines relative to now.
func (in OfferInput) Validate(now time.Time) error {
	if !nonNegative(in.Amount) {
		return invalid("amount must be a non-negative number")
	}
	if in.ExpiresAt != nil && !in.ExpiresAt.After(now) {
		return invalid("expires_at must be in the future")
	}
	if in.ResponseBy != nil && !in.ResponseBy.After(now) {
		return invalid("response_by must be in the future")
	}
	for i, d := range in.Documents {
		if strings.TrimSpace(d.URL) == "" {
			return invalid("document %d: url is required", i)
		}
		if d.Type != "" && !d.Type.valid() {
			return invalid("document %d: unknown type %q", i, d.Type)
		}
	}
	return in.Terms.Validate()
}

// newOffer builds a pending offer expiring DefaultOfferTTL after now unless
// in carries its own expiry.
func newOffer(in OfferInput, submittedBy string, now time.Time) Offer {
	expires := now.Add(DefaultOfferTTL)
	if in.ExpiresAt != nil {
		expires = in.ExpiresAt.UTC()
	}
	var responseBy *time.Time
	if in.ResponseBy != nil {
		t := in.ResponseBy.UTC()
		responseBy = &t
	}
	var docs []Document
	for _, d := range in.Documents {
		if d.Type == "" {
			d.Type = DocumentOther
		}
		d.Name = strings.TrimSpace(d.Name)
		d.URL = strings.TrimSpace(d.URL)
		d.UploadedAt = now
		docs = append(docs, d)
	}
	terms := in.Terms
	terms.AdditionalTerms = strings.TrimSpace(terms.AdditionalTerms)
	if terms.Contingencies != nil {
		terms.Contingencies = append([]Contingency(nil), terms.Contingencies...)
	}
	return Offer{
		ID:          newEntryID(now),
		Amount:      in.Amount,
		Terms:       terms,
		Status:      OfferStatusPending,
		SubmittedBy: submittedBy,
		SubmittedAt: now,
		ExpiresAt:   expires,
		ResponseBy:  responseBy,
		Documents:   docs,
	}
}

func nonNegative(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0) && v >= 0
}

// newEntryID returns a ULID so offer and message ids sort by creation time.
func newEntryID(now time.Time) string {
	return ulid.MustNew(ulid.Timestamp(now), ulid.DefaultEntropy()).String()
}
