// Package sqlstore implements the relational Store on MySQL.
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/oklog/ulid/v2"

	"github.com/karthikraju391/greenmarket-chat/backend"
	"github.com/karthikraju391/greenmarket-chat/models"
)

const errDuplicateEntry = 1062

type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Open connects using dsn. parseTime is forced on so DATETIME columns scan
// into time.Time, and clientFoundRows so an UPDATE reports matched rows.
func Open(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := mysql.ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("invalid mysql dsn: %w", err)
	}
	cfg.ParseTime = true
	cfg.ClientFoundRows = true
	if cfg.Loc == nil {
		cfg.Loc = time.UTC
	}
	connector, err := mysql.NewConnector(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to build mysql connector: %w", err)
	}
	db := sql.OpenDB(connector)
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to mysql: %w", err)
	}
	return New(db), nil
}

func New(db *sql.DB) *Store {
	return &Store{db: db, now: time.Now}
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Ping is used by the health endpoint.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) FetchConversation(ctx context.Context, id string) (*models.Conversation, error) {
	query := `SELECT id, buyer_id, seller_id, product_id, created_at, updated_at FROM conversations WHERE id = ?`
	c, err := scanConversation(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("conversation %s: %w", id, backend.ErrNotFound)
	}
	if err != nil {
		return nil, ioErr("fetch conversation", err)
	}
	return c, nil
}

func (s *Store) FetchProfile(ctx context.Context, userID string) (*models.Profile, error) {
	query := `SELECT id, username, full_name, avatar_url FROM profiles WHERE id = ?`
	var p models.Profile
	var fullName, avatar sql.NullString
	err := s.db.QueryRowContext(ctx, query, userID).Scan(&p.ID, &p.Username, &fullName, &avatar)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("profile %s: %w", userID, backend.ErrNotFound)
	}
	if err != nil {
		return nil, ioErr("fetch profile", err)
	}
	p.FullName = fullName.String
	p.AvatarURL = avatar.String
	return &p, nil
}

func (s *Store) FetchListing(ctx context.Context, listingID string) (*models.Listing, error) {
	query := `SELECT id, title, price, image_url, seller_id FROM listings WHERE id = ?`
	var l models.Listing
	var image sql.NullString
	err := s.db.QueryRowContext(ctx, query, listingID).Scan(&l.ID, &l.Title, &l.Price, &image, &l.SellerID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, ioErr("fetch listing", err)
	}
	l.ImageURL = image.String
	return &l, nil
}

func (s *Store) FetchMessages(ctx context.Context, conversationID string) ([]models.Message, error) {
	query := `SELECT id, conversation_id, sender_id, content, attachment_url, attachment_type,
              latitude, longitude, address, created_at
              FROM messages
              WHERE conversation_id = ?
              ORDER BY created_at ASC, id ASC`

	rows, err := s.db.QueryContext(ctx, query, conversationID)
	if err != nil {
		return nil, ioErr("fetch messages", err)
	}
	defer rows.Close()

	msgs := []models.Message{}
	for rows.Next() {
		var r messageRow
		if err := rows.Scan(&r.ID, &r.ConversationID, &r.SenderID, &r.Content, &r.AttachmentURL,
			&r.AttachmentType, &r.Latitude, &r.Longitude, &r.Address, &r.CreatedAt); err != nil {
			return nil, ioErr("scan message", err)
		}
		msgs = append(msgs, r.model())
	}
	if err := rows.Err(); err != nil {
		return nil, ioErr("fetch messages", err)
	}
	return msgs, nil
}

func (s *Store) CreateMessage(ctx context.Context, fields models.MessageFields) (*models.Message, error) {
	if err := fields.Validate(); err != nil {
		return nil, err
	}
	msg := models.Message{
		ID:             ulid.Make().String(),
		ConversationID: fields.ConversationID,
		SenderID:       fields.SenderID,
		Content:        fields.Content,
		Attachment:     fields.Attachment,
		Location:       fields.Location,
		CreatedAt:      s.now().UTC().Truncate(time.Microsecond),
	}
	r := rowFromMessage(msg)
	query := `INSERT INTO messages (id, conversation_id, sender_id, content, attachment_url, attachment_type, latitude, longitude, address, created_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, query, r.ID, r.ConversationID, r.SenderID, r.Content, r.AttachmentURL,
		r.AttachmentType, r.Latitude, r.Longitude, r.Address, r.CreatedAt)
	if err != nil {
		return nil, ioErr("create message", err)
	}
	return &msg, nil
}

func (s *Store) UpdateConversationTimestamp(ctx context.Context, id string, ts time.Time) error {
	res, err := s.db.ExecContext(ctx, `UPDATE conversations SET updated_at = ? WHERE id = ?`, ts.UTC(), id)
	if err != nil {
		return ioErr("update conversation", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return ioErr("update conversation", err)
	}
	if n == 0 {
		return fmt.Errorf("conversation %s: %w", id, backend.ErrNotFound)
	}
	return nil
}

func (s *Store) FindOrCreateConversation(ctx context.Context, productID, buyerID, sellerID string) (*models.Conversation, bool, error) {
	existing, err := s.findConversation(ctx, productID, buyerID, sellerID)
	if err == nil {
		return existing, false, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, false, ioErr("find conversation", err)
	}

	now := s.now().UTC().Truncate(time.Microsecond)
	c := models.Conversation{
		ID:        ulid.Make().String(),
		BuyerID:   buyerID,
		SellerID:  sellerID,
		ProductID: &productID,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := c.Validate(); err != nil {
		return nil, false, err
	}
	query := `INSERT INTO conversations (id, buyer_id, seller_id, product_id, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)`
	_, err = s.db.ExecContext(ctx, query, c.ID, c.BuyerID, c.SellerID, productID, c.CreatedAt, c.UpdatedAt)
	if isDuplicate(err) {
		// Lost the race to a concurrent creator.
		existing, err := s.findConversation(ctx, productID, buyerID, sellerID)
		if err != nil {
			return nil, false, ioErr("find conversation", err)
		}
		return existing, false, nil
	}
	if err != nil {
		return nil, false, ioErr("create conversation", err)
	}
	return &c, true, nil
}

func (s *Store) findConversation(ctx context.Context, productID, buyerID, sellerID string) (*models.Conversation, error) {
	query := `SELECT id, buyer_id, seller_id, product_id, created_at, updated_at FROM conversations
              WHERE product_id = ? AND buyer_id = ? AND seller_id = ?`
	return scanConversation(s.db.QueryRowContext(ctx, query, productID, buyerID, sellerID))
}

func scanConversation(row *sql.Row) (*models.Conversation, error) {
	var c models.Conversation
	var product sql.NullString
	if err := row.Scan(&c.ID, &c.BuyerID, &c.SellerID, &product, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return nil, err
	}
	if product.Valid {
		c.ProductID = &product.String
	}
	return &c, nil
}

// messageRow is the flattened messages table row.
type messageRow struct {
	ID             string
	ConversationID string
	SenderID       string
	Content        sql.NullString
	AttachmentURL  sql.NullString
	AttachmentType sql.NullString
	Latitude       sql.NullFloat64
	Longitude      sql.NullFloat64
	Address        sql.NullString
	CreatedAt      time.Time
}

func (r messageRow) model() models.Message {
	m := models.Message{
		ID:             r.ID,
		ConversationID: r.ConversationID,
		SenderID:       r.SenderID,
		CreatedAt:      r.CreatedAt,
	}
	if r.Content.Valid {
		content := r.Content.String
		m.Content = &content
	}
	if r.AttachmentURL.Valid {
		kind := models.AttachmentKind(r.AttachmentType.String)
		if kind != models.AttachmentImage {
			kind = models.AttachmentFile
		}
		m.Attachment = &models.Attachment{URL: r.AttachmentURL.String, Kind: kind}
	}
	if r.Latitude.Valid && r.Longitude.Valid {
		m.Location = &models.Location{
			Latitude:  r.Latitude.Float64,
			Longitude: r.Longitude.Float64,
			Address:   r.Address.String,
		}
	}
	return m
}

func rowFromMessage(m models.Message) messageRow {
	r := messageRow{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		SenderID:       m.SenderID,
		CreatedAt:      m.CreatedAt,
	}
	if m.Content != nil {
		r.Content = sql.NullString{String: *m.Content, Valid: true}
	}
	if m.Attachment != nil {
		r.AttachmentURL = sql.NullString{String: m.Attachment.URL, Valid: true}
		r.AttachmentType = sql.NullString{String: string(m.Attachment.Kind), Valid: true}
	}
	if m.Location != nil {
		r.Latitude = sql.NullFloat64{Float64: m.Location.Latitude, Valid: true}
		r.Longitude = sql.NullFloat64{Float64: m.Location.Longitude, Valid: true}
		r.Address = sql.NullString{String: m.Location.Address, Valid: m.Location.Address != ""}
	}
	return r
}

func isDuplicate(err error) bool {
	var me *mysql.MySQLError
	return errors.As(err, &me) && me.Number == errDuplicateEntry
}

func ioErr(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, backend.ErrTransientIO, err)
}
