package sqlstore

import (
	"context"
	"fmt"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS profiles (
		id VARCHAR(64) PRIMARY KEY,
		username VARCHAR(255) NOT NULL,
		full_name VARCHAR(255),
		avatar_url TEXT
	)`,
	`CREATE TABLE IF NOT EXISTS listings (
		id VARCHAR(64) PRIMARY KEY,
		title VARCHAR(255) NOT NULL,
		price DECIMAL(12,2) NOT NULL DEFAULT 0,
		image_url TEXT,
		seller_id VARCHAR(64) NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS conversations (
		id CHAR(26) PRIMARY KEY COMMENT 'ULID',
		buyer_id VARCHAR(64) NOT NULL,
		seller_id VARCHAR(64) NOT NULL,
		product_id VARCHAR(64),
		created_at DATETIME(6) NOT NULL,
		updated_at DATETIME(6) NOT NULL,
		UNIQUE KEY uq_conversation_triple (product_id, buyer_id, seller_id),
		KEY idx_conversations_buyer (buyer_id),
		KEY idx_conversations_seller (seller_id)
	)`,
	`CREATE TABLE IF NOT EXISTS messages (
		id CHAR(26) PRIMARY KEY COMMENT 'ULID',
		conversation_id CHAR(26) NOT NULL,
		sender_id VARCHAR(64) NOT NULL,
		content TEXT,
		attachment_url TEXT,
		attachment_type VARCHAR(16) COMMENT 'image, file',
		latitude DOUBLE,
		longitude DOUBLE,
		address VARCHAR(512),
		created_at DATETIME(6) NOT NULL,
		KEY idx_messages_conversation (conversation_id, created_at),
		FOREIGN KEY (conversation_id) REFERENCES conversations(id) ON DELETE CASCADE
	)`,
}

// Migrate creates any missing tables. It is safe to run on every start.
func (s *Store) Migrate(ctx context.Context) error {
	for _, q := range schema {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}
	return nil
}
