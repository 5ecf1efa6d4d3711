package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dwellogo/dealdesk/internal/domain"
)

const (
	uniqueViolation       = "23505"
	openPerBuyerIndexName = "negotiations_open_per_buyer"
)

// NegotiationStore implements domain.NegotiationStore using PostgreSQL. The
// aggregate header lives in negotiations; offers, messages and timeline
// events live in child tables ordered by seq.
type NegotiationStore struct {
	pool *pgxpool.Pool
}

// NewNegotiationStore creates a new NegotiationStore backed by the given connection pool.
func NewNegotiationStore(pool *pgxpool.Pool) *NegotiationStore {
	return &NegotiationStore{pool: pool}
}

const negotiationSelectCols = `id, property_id, buyer_id, seller_id, buyer_agent_id, seller_agent_id,
	status, current_offer_id, started_at, last_activity, total_offers, total_messages,
	average_response_minutes, version, created_at, updated_at`

// Create inserts the aggregate and its children in one transaction. The
// stored version starts at 1.
func (s *NegotiationStore) Create(ctx context.Context, n *domain.Negotiation) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: begin create negotiation: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	p := n.Participants
	const query = `
		INSERT INTO negotiations (
			id, property_id, buyer_id, seller_id, buyer_agent_id, seller_agent_id,
			status, current_offer_id, started_at, last_activity, total_offers, total_messages,
			average_response_minutes, version, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6,
			$7, $8, $9, $10, $11, $12,
			$13, 1, $14, $15
		)`
	_, err = tx.Exec(ctx, query,
		n.ID, n.PropertyID,
		p.Get(domain.RoleBuyer), nullString(p.Get(domain.RoleSeller)),
		nullString(p.Get(domain.RoleBuyerAgent)), nullString(p.Get(domain.RoleSellerAgent)),
		string(n.Status), nullString(n.CurrentOffer),
		n.Metadata.StartedAt, n.Metadata.LastActivity,
		n.Metadata.TotalOffers, n.Metadata.TotalMessages,
		n.Metadata.AverageResponseMinutes,
		n.CreatedAt, n.UpdatedAt,
	)
	if err != nil {
		if isOpenPerBuyerViolation(err) {
			return domain.ErrDuplicateActiveNegotiation
		}
		return fmt.Errorf("postgres: create negotiation %s: %w", n.ID, err)
	}

	if err := writeChildren(ctx, tx, n, allChanges(n)); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: commit create negotiation %s: %w", n.ID, err)
	}
	n.Version = 1
	n.MarkPersisted()
	return nil
}

// Save writes the aggregate if its stored version equals expectedVersion.
func (s *NegotiationStore) Save(ctx context.Context, n *domain.Negotiation, expectedVersion int64) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: begin save negotiation: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	p := n.Participants
	const query = `
		UPDATE negotiations SET
			seller_id                = $3,
			buyer_agent_id           = $4,
			seller_agent_id          = $5,
			status                   = $6,
			current_offer_id         = $7,
			last_activity            = $8,
			total_offers             = $9,
			total_messages           = $10,
			average_response_minutes = $11,
			updated_at               = $12,
			version                  = version + 1
		WHERE id = $1 AND version = $2`
	tag, err := tx.Exec(ctx, query,
		n.ID, expectedVersion,
		nullString(p.Get(domain.RoleSeller)),
		nullString(p.Get(domain.RoleBuyerAgent)), nullString(p.Get(domain.RoleSellerAgent)),
		string(n.Status), nullString(n.CurrentOffer),
		n.Metadata.LastActivity, n.Metadata.TotalOffers, n.Metadata.TotalMessages,
		n.Metadata.AverageResponseMinutes, n.UpdatedAt,
	)
	if err != nil {
		if isOpenPerBuyerViolation(err) {
			return domain.ErrDuplicateActiveNegotiation
		}
		return fmt.Errorf("postgres: save negotiation %s: %w", n.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrVersionConflict
	}

	if err := writeChildren(ctx, tx, n, n.Changes()); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: commit save negotiation %s: %w", n.ID, err)
	}
	n.Version = expectedVersion + 1
	n.MarkPersisted()
	return nil
}

// allChanges marks every child row of n for writing.
func allChanges(n *domain.Negotiation) domain.ChangeSet {
	cs := domain.ChangeSet{
		Offers:   make([]int, len(n.Offers)),
		Messages: make([]int, len(n.Messages)),
	}
	for i := range cs.Offers {
		cs.Offers[i] = i
	}
	for i := range cs.Messages {
		cs.Messages[i] = i
	}
	return cs
}

// writeChildren upserts the offers and messages named in cs (their status
// and read state can change) and inserts timeline events from
// cs.TimelineFrom on. Rows the aggregate did not touch are left alone.
func writeChildren(ctx context.Context, tx pgx.Tx, n *domain.Negotiation, cs domain.ChangeSet) error {
	batch := &pgx.Batch{}

	const offerQuery = `
		INSERT INTO negotiation_offers (
			id, negotiation_id, seq, amount, terms, status,
			submitted_by, submitted_at, expires_at, response_by, documents, responded_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (id) DO UPDATE SET
			status       = EXCLUDED.status,
			responded_at = EXCLUDED.responded_at`
	for _, i := range cs.Offers {
		if i < 0 || i >= len(n.Offers) {
			return fmt.Errorf("postgres: write offers of %s: index %d out of range", n.ID, i)
		}
		o := n.Offers[i]
		terms, err := json.Marshal(o.Terms)
		if err != nil {
			return fmt.Errorf("postgres: marshal offer terms %s: %w", o.ID, err)
		}
		var documents []byte
		if len(o.Documents) > 0 {
			if documents, err = json.Marshal(o.Documents); err != nil {
				return fmt.Errorf("postgres: marshal offer documents %s: %w", o.ID, err)
			}
		}
		batch.Queue(offerQuery,
			o.ID, n.ID, i, o.Amount, terms, string(o.Status),
			o.SubmittedBy, o.SubmittedAt, o.ExpiresAt, o.ResponseBy, documents, o.RespondedAt,
		)
	}

	const messageQuery = `
		INSERT INTO negotiation_messages (
			id, negotiation_id, seq, sender_id, recipient_id, body, type,
			related_offer_id, attachments, is_read, read_at, sent_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (id) DO UPDATE SET
			is_read = EXCLUDED.is_read,
			read_at = EXCLUDED.read_at`
	for _, i := range cs.Messages {
		if i < 0 || i >= len(n.Messages) {
			return fmt.Errorf("postgres: write messages of %s: index %d out of range", n.ID, i)
		}
		m := n.Messages[i]
		var attachments []byte
		if len(m.Attachments) > 0 {
			var err error
			if attachments, err = json.Marshal(m.Attachments); err != nil {
				return fmt.Errorf("postgres: marshal attachments %s: %w", m.ID, err)
			}
		}
		batch.Queue(messageQuery,
			m.ID, n.ID, i, m.Sender, m.Recipient, m.Text, string(m.Type),
			nullString(m.RelatedOffer), attachments, m.IsRead, m.ReadAt, m.Timestamp,
		)
	}

	const timelineQuery = `
		INSERT INTO negotiation_timeline (negotiation_id, seq, kind, description, actor_id, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (negotiation_id, seq) DO NOTHING`
	for i := max(cs.TimelineFrom, 0); i < len(n.Timeline); i++ {
		e := n.Timeline[i]
		batch.Queue(timelineQuery, n.ID, i, string(e.Kind), e.Description, e.Actor, e.Timestamp)
	}

	if batch.Len() == 0 {
		return nil
	}
	br := tx.SendBatch(ctx, batch)
	for i := 0; i < batch.Len(); i++ {
		if _, err := br.Exec(); err != nil {
			_ = br.Close()
			return fmt.Errorf("postgres: write children of %s (item %d): %w", n.ID, i, err)
		}
	}
	if err := br.Close(); err != nil {
		return fmt.Errorf("postgres: close children batch of %s: %w", n.ID, err)
	}
	return nil
}

// Get loads the full aggregate.
func (s *NegotiationStore) Get(ctx context.Context, id string) (*domain.Negotiation, error) {
	query := `SELECT ` + negotiationSelectCols + ` FROM negotiations WHERE id = $1`
	n, err := scanNegotiation(s.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("postgres: get negotiation %s: %w", id, err)
	}
	if err := s.loadChildren(ctx, n); err != nil {
		return nil, err
	}
	return n, nil
}

// FindOpen returns the buyer's open negotiation on the property.
func (s *NegotiationStore) FindOpen(ctx context.Context, propertyID, buyerID string) (*domain.Negotiation, error) {
	query := `SELECT ` + negotiationSelectCols + ` FROM negotiations
		WHERE property_id = $1 AND buyer_id = $2 AND status IN ($3, $4)
		LIMIT 1`
	n, err := scanNegotiation(s.pool.QueryRow(ctx, query,
		propertyID, buyerID, string(domain.StatusActive), string(domain.StatusPendingAcceptance)))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("postgres: find open negotiation %s/%s: %w", propertyID, buyerID, err)
	}
	return n, nil
}

func participantWhere(f domain.NegotiationFilter) (string, []any) {
	where := ` WHERE $1 IN (buyer_id, seller_id, buyer_agent_id, seller_agent_id)`
	args := []any{f.Participant}
	if f.Status != "" {
		args = append(args, string(f.Status))
		where += fmt.Sprintf(" AND status = $%d", len(args))
	}
	if f.Since != nil {
		args = append(args, *f.Since)
		where += fmt.Sprintf(" AND last_activity >= $%d", len(args))
	}
	if f.Until != nil {
		args = append(args, *f.Until)
		where += fmt.Sprintf(" AND last_activity <= $%d", len(args))
	}
	return where, args
}

// ListByParticipant returns headers of negotiations the participant is part of.
func (s *NegotiationStore) ListByParticipant(ctx context.Context, f domain.NegotiationFilter) ([]domain.Negotiation, error) {
	where, args := participantWhere(f)
	query := `SELECT ` + negotiationSelectCols + ` FROM negotiations` + where +
		` ORDER BY last_activity DESC, id`
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if f.Offset > 0 {
		args = append(args, f.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list negotiations for %s: %w", f.Participant, err)
	}
	defer rows.Close()

	var out []domain.Negotiation
	for rows.Next() {
		n, err := scanNegotiation(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan negotiation: %w", err)
		}
		out = append(out, *n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list negotiations rows: %w", err)
	}
	return out, nil
}

// CountByParticipant counts the rows ListByParticipant would page through.
func (s *NegotiationStore) CountByParticipant(ctx context.Context, f domain.NegotiationFilter) (int64, error) {
	where, args := participantWhere(f)
	var count int64
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM negotiations`+where, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("postgres: count negotiations for %s: %w", f.Participant, err)
	}
	return count, nil
}

// ListTerminalBefore loads closed negotiations idle since before, oldest first.
func (s *NegotiationStore) ListTerminalBefore(ctx context.Context, before time.Time, limit int) ([]*domain.Negotiation, error) {
	query := `SELECT id FROM negotiations
		WHERE status IN ($1, $2, $3, $4) AND last_activity < $5 AND archived_at IS NULL
		ORDER BY last_activity`
	args := []any{
		string(domain.StatusAccepted), string(domain.StatusRejected),
		string(domain.StatusExpired), string(domain.StatusCancelled),
		before,
	}
	if limit > 0 {
		query += " LIMIT $6"
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list terminal negotiations: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("postgres: collect terminal negotiation ids: %w", err)
	}

	out := make([]*domain.Negotiation, 0, len(ids))
	for _, id := range ids {
		n, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, nil
}

// MarkArchived stamps archived_at on the given negotiations.
func (s *NegotiationStore) MarkArchived(ctx context.Context, ids []string, at time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	const query = `UPDATE negotiations SET archived_at = $2 WHERE id = ANY($1)`
	if _, err := s.pool.Exec(ctx, query, ids, at); err != nil {
		return fmt.Errorf("postgres: mark %d negotiations archived: %w", len(ids), err)
	}
	return nil
}

func scanNegotiation(scanner interface{ Scan(dest ...any) error }) (*domain.Negotiation, error) {
	var n domain.Negotiation
	var buyer string
	var seller, buyerAgent, sellerAgent, currentOffer *string
	var status string

	err := scanner.Scan(
		&n.ID, &n.PropertyID, &buyer, &seller, &buyerAgent, &sellerAgent,
		&status, &currentOffer,
		&n.Metadata.StartedAt, &n.Metadata.LastActivity,
		&n.Metadata.TotalOffers, &n.Metadata.TotalMessages,
		&n.Metadata.AverageResponseMinutes,
		&n.Version, &n.CreatedAt, &n.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	n.Participants = domain.Participants{domain.RoleBuyer: buyer}
	if v := deref(seller); v != "" {
		n.Participants[domain.RoleSeller] = v
	}
	if v := deref(buyerAgent); v != "" {
		n.Participants[domain.RoleBuyerAgent] = v
	}
	if v := deref(sellerAgent); v != "" {
		n.Participants[domain.RoleSellerAgent] = v
	}
	n.Status = domain.NegotiationStatus(status)
	n.CurrentOffer = deref(currentOffer)
	n.Metadata.StartedAt = n.Metadata.StartedAt.UTC()
	n.Metadata.LastActivity = n.Metadata.LastActivity.UTC()
	n.CreatedAt = n.CreatedAt.UTC()
	n.UpdatedAt = n.UpdatedAt.UTC()
	return &n, nil
}

// loadChildren fetches offers, messages and timeline in a single round trip.
func (s *NegotiationStore) loadChildren(ctx context.Context, n *domain.Negotiation) error {
	batch := &pgx.Batch{}
	batch.Queue(`SELECT id, amount, terms, status, submitted_by, submitted_at, expires_at,
		response_by, documents, responded_at
		FROM negotiation_offers WHERE negotiation_id = $1 ORDER BY seq`, n.ID)
	batch.Queue(`SELECT id, sender_id, recipient_id, body, type, related_offer_id, attachments,
		is_read, read_at, sent_at
		FROM negotiation_messages WHERE negotiation_id = $1 ORDER BY seq`, n.ID)
	batch.Queue(`SELECT kind, description, actor_id, occurred_at
		FROM negotiation_timeline WHERE negotiation_id = $1 ORDER BY seq`, n.ID)

	br := s.pool.SendBatch(ctx, batch)
	defer br.Close()

	offers, err := collectOffers(br)
	if err != nil {
		return fmt.Errorf("postgres: load offers of %s: %w", n.ID, err)
	}
	messages, err := collectMessages(br)
	if err != nil {
		return fmt.Errorf("postgres: load messages of %s: %w", n.ID, err)
	}
	timeline, err := collectTimeline(br)
	if err != nil {
		return fmt.Errorf("postgres: load timeline of %s: %w", n.ID, err)
	}

	n.Offers = offers
	n.Messages = messages
	n.Timeline = timeline
	return nil
}

func collectOffers(br pgx.BatchResults) ([]domain.Offer, error) {
	rows, err := br.Query()
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	offers := []domain.Offer{}
	for rows.Next() {
		var o domain.Offer
		var terms, documents []byte
		var status string
		if err := rows.Scan(&o.ID, &o.Amount, &terms, &status, &o.SubmittedBy,
			&o.SubmittedAt, &o.ExpiresAt, &o.ResponseBy, &documents, &o.RespondedAt); err != nil {
			return nil, err
		}
		if len(terms) > 0 {
			if err := json.Unmarshal(terms, &o.Terms); err != nil {
				return nil, fmt.Errorf("unmarshal terms of %s: %w", o.ID, err)
			}
		}
		if len(documents) > 0 {
			if err := json.Unmarshal(documents, &o.Documents); err != nil {
				return nil, fmt.Errorf("unmarshal documents of %s: %w", o.ID, err)
			}
		}
		o.Status = domain.OfferStatus(status)
		o.SubmittedAt = o.SubmittedAt.UTC()
		o.ExpiresAt = o.ExpiresAt.UTC()
		o.ResponseBy = utcPtr(o.ResponseBy)
		o.RespondedAt = utcPtr(o.RespondedAt)
		offers = append(offers, o)
	}
	return offers, rows.Err()
}

func collectMessages(br pgx.BatchResults) ([]domain.Message, error) {
	rows, err := br.Query()
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	messages := []domain.Message{}
	for rows.Next() {
		var m domain.Message
		var typ string
		var related *string
		var attachments []byte
		if err := rows.Scan(&m.ID, &m.Sender, &m.Recipient, &m.Text, &typ, &related,
			&attachments, &m.IsRead, &m.ReadAt, &m.Timestamp); err != nil {
			return nil, err
		}
		if len(attachments) > 0 {
			if err := json.Unmarshal(attachments, &m.Attachments); err != nil {
				return nil, fmt.Errorf("unmarshal attachments of %s: %w", m.ID, err)
			}
		}
		m.Type = domain.MessageType(typ)
		m.RelatedOffer = deref(related)
		m.ReadAt = utcPtr(m.ReadAt)
		m.Timestamp = m.Timestamp.UTC()
		messages = append(messages, m)
	}
	return messages, rows.Err()
}

func collectTimeline(br pgx.BatchResults) ([]domain.TimelineEvent, error) {
	rows, err := br.Query()
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	events := []domain.TimelineEvent{}
	for rows.Next() {
		var e domain.TimelineEvent
		var kind string
		if err := rows.Scan(&kind, &e.Description, &e.Actor, &e.Timestamp); err != nil {
			return nil, err
		}
		e.Kind = domain.TimelineKind(kind)
		e.Timestamp = e.Timestamp.UTC()
		events = append(events, e)
	}
	return events, rows.Err()
}

func isOpenPerBuyerViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation && pgErr.ConstraintName == openPerBuyerIndexName
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}

var _ domain.NegotiationStore = (*NegotiationStore)(nil)
