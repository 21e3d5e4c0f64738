package store

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/musekit/muse/internal/models"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore implements Store using modernc.org/sqlite (pure Go, no CGO).
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) a SQLite database at the given path.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	// Ensure parent directory exists
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// SQLite only supports one concurrent writer. Limiting to a single
	// connection serializes all DB access through Go's connection pool,
	// preventing "database is locked" errors when background generation
	// jobs and HTTP requests write concurrently.
	db.SetMaxOpenConns(1)

	// Enable WAL mode for concurrent reads
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}

	// Set busy timeout so concurrent writes wait instead of failing immediately
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	// Enable foreign keys
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// boolToInt converts a bool to 0 or 1 for SQLite storage.
func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// newULID generates a new ULID string.
func newULID() string {
	entropy := rand.New(rand.NewSource(time.Now().UnixNano()))
	return ulid.MustNew(ulid.Timestamp(time.Now()), ulid.Monotonic(entropy, 0)).String()
}

// Migrate runs all embedded SQL migration files in order.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		filename TEXT PRIMARY KEY,
		applied_at DATETIME NOT NULL DEFAULT (datetime('now'))
	)`)
	if err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		name := entry.Name()

		var count int
		err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM schema_migrations WHERE filename = ?", name).Scan(&count)
		if err != nil {
			return fmt.Errorf("check migration %s: %w", name, err)
		}
		if count > 0 {
			continue
		}

		data, err := migrationsFS.ReadFile("migrations/" + name)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", name, err)
		}

		if _, err := s.db.ExecContext(ctx, string(data)); err != nil {
			return fmt.Errorf("apply migration %s: %w", name, err)
		}

		if _, err := s.db.ExecContext(ctx, "INSERT INTO schema_migrations (filename) VALUES (?)", name); err != nil {
			return fmt.Errorf("record migration %s: %w", name, err)
		}
	}

	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --- Characters ---

func (s *SQLiteStore) CreateCharacter(ctx context.Context, c *models.Character) error {
	if c.ID == "" {
		c.ID = newULID()
	}
	if c.Status == "" {
		c.Status = models.CharacterStatusDraft
	}
	now := time.Now().UTC()
	c.CreatedAt = now
	c.UpdatedAt = now

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO characters (id, name, description, gender, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.Name, c.Description, c.Gender, c.Status, c.CreatedAt, c.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("create character: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetCharacter(ctx context.Context, id string) (*models.Character, error) {
	c := &models.Character{}
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, description, gender, status, created_at, updated_at
		FROM characters WHERE id = ?`, id,
	).Scan(&c.ID, &c.Name, &c.Description, &c.Gender, &c.Status, &c.CreatedAt, &c.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("character not found: %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get character: %w", err)
	}
	return c, nil
}

func (s *SQLiteStore) ListCharacters(ctx context.Context) ([]*models.Character, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, description, gender, status, created_at, updated_at
		FROM characters ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list characters: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var characters []*models.Character
	for rows.Next() {
		c := &models.Character{}
		if err := rows.Scan(&c.ID, &c.Name, &c.Description, &c.Gender, &c.Status, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan character: %w", err)
		}
		characters = append(characters, c)
	}
	return characters, rows.Err()
}

func (s *SQLiteStore) UpdateCharacter(ctx context.Context, c *models.Character) error {
	c.UpdatedAt = time.Now().UTC()
	result, err := s.db.ExecContext(ctx,
		`UPDATE characters SET name=?, description=?, gender=?, status=?, updated_at=? WHERE id=?`,
		c.Name, c.Description, c.Gender, c.Status, c.UpdatedAt, c.ID,
	)
	if err != nil {
		return fmt.Errorf("update character: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return fmt.Errorf("character not found: %s", c.ID)
	}
	return nil
}

func (s *SQLiteStore) DeleteCharacter(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, "DELETE FROM characters WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("delete character: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return fmt.Errorf("character not found: %s", id)
	}
	return nil
}

// --- Images ---

func (s *SQLiteStore) CreateImage(ctx context.Context, img *models.Image) error {
	if img.ID == "" {
		img.ID = newULID()
	}
	if img.Status == "" {
		img.Status = models.ImageStatusCompleted
	}
	img.CreatedAt = time.Now().UTC()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO images (id, character_id, type, status, task_id, url, approved, metadata_json, error_message, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		img.ID, img.CharacterID, img.Type, img.Status, img.TaskID, img.URL,
		boolToInt(img.Approved), img.MetadataJSON, img.ErrorMessage, img.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("create image: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetImage(ctx context.Context, id string) (*models.Image, error) {
	img := &models.Image{}
	err := s.db.QueryRowContext(ctx,
		`SELECT id, character_id, type, status, task_id, url, approved, metadata_json, error_message, created_at
		FROM images WHERE id = ?`, id,
	).Scan(&img.ID, &img.CharacterID, &img.Type, &img.Status, &img.TaskID, &img.URL, &img.Approved, &img.MetadataJSON, &img.ErrorMessage, &img.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("image not found: %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get image: %w", err)
	}
	return img, nil
}

func (s *SQLiteStore) ListImages(ctx context.Context, filter ImageListFilter) ([]*models.Image, error) {
	query := `SELECT id, character_id, type, status, task_id, url, approved, metadata_json, error_message, created_at FROM images WHERE 1=1`
	var args []any
	if filter.CharacterID != "" {
		query += " AND character_id = ?"
		args = append(args, filter.CharacterID)
	}
	if filter.Type != "" {
		query += " AND type = ?"
		args = append(args, filter.Type)
	}
	if filter.Status != "" {
		query += " AND status = ?"
		args = append(args, filter.Status)
	}
	if filter.ApprovedOnly {
		query += " AND approved = 1"
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list images: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var images []*models.Image
	for rows.Next() {
		img := &models.Image{}
		if err := rows.Scan(&img.ID, &img.CharacterID, &img.Type, &img.Status, &img.TaskID, &img.URL, &img.Approved, &img.MetadataJSON, &img.ErrorMessage, &img.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan image: %w", err)
		}
		images = append(images, img)
	}
	return images, rows.Err()
}

func (s *SQLiteStore) UpdateImage(ctx context.Context, img *models.Image) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE images SET type=?, status=?, task_id=?, url=?, approved=?, metadata_json=?, error_message=? WHERE id=?`,
		img.Type, img.Status, img.TaskID, img.URL, boolToInt(img.Approved), img.MetadataJSON, img.ErrorMessage, img.ID,
	)
	if err != nil {
		return fmt.Errorf("update image: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return fmt.Errorf("image not found: %s", img.ID)
	}
	return nil
}

func (s *SQLiteStore) DeleteImage(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, "DELETE FROM images WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("delete image: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return fmt.Errorf("image not found: %s", id)
	}
	return nil
}

// --- Videos ---

func (s *SQLiteStore) CreateVideo(ctx context.Context, v *models.Video) error {
	if v.ID == "" {
		v.ID = newULID()
	}
	if v.Status == "" {
		v.Status = models.VideoStatusCompleted
	}
	v.CreatedAt = time.Now().UTC()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO videos (id, character_id, type, status, url, thumbnail_url, duration, metadata_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		v.ID, v.CharacterID, v.Type, v.Status, v.URL, v.ThumbnailURL, v.Duration, v.MetadataJSON, v.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("create video: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetVideo(ctx context.Context, id string) (*models.Video, error) {
	v := &models.Video{}
	err := s.db.QueryRowContext(ctx,
		`SELECT id, character_id, type, status, url, thumbnail_url, duration, metadata_json, created_at
		FROM videos WHERE id = ?`, id,
	).Scan(&v.ID, &v.CharacterID, &v.Type, &v.Status, &v.URL, &v.ThumbnailURL, &v.Duration, &v.MetadataJSON, &v.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("video not found: %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get video: %w", err)
	}
	return v, nil
}

func (s *SQLiteStore) ListVideos(ctx context.Context, characterID string) ([]*models.Video, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, character_id, type, status, url, thumbnail_url, duration, metadata_json, created_at
		FROM videos WHERE character_id = ? ORDER BY created_at DESC`, characterID)
	if err != nil {
		return nil, fmt.Errorf("list videos: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var videos []*models.Video
	for rows.Next() {
		v := &models.Video{}
		if err := rows.Scan(&v.ID, &v.CharacterID, &v.Type, &v.Status, &v.URL, &v.ThumbnailURL, &v.Duration, &v.MetadataJSON, &v.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan video: %w", err)
		}
		videos = append(videos, v)
	}
	return videos, rows.Err()
}

// --- Users and token ledger ---

func (s *SQLiteStore) CreateUser(ctx context.Context, u *models.User) error {
	if u.ID == "" {
		u.ID = newULID()
	}
	u.CreatedAt = time.Now().UTC()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (id, username, token_balance, is_admin, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		u.ID, u.Username, u.TokenBalance, boolToInt(u.IsAdmin), u.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("create user: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetUser(ctx context.Context, id string) (*models.User, error) {
	u := &models.User{}
	err := s.db.QueryRowContext(ctx,
		`SELECT id, username, token_balance, is_admin, created_at FROM users WHERE id = ?`, id,
	).Scan(&u.ID, &u.Username, &u.TokenBalance, &u.IsAdmin, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("user not found: %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}
	return u, nil
}

func (s *SQLiteStore) GetUserByUsername(ctx context.Context, username string) (*models.User, error) {
	u := &models.User{}
	err := s.db.QueryRowContext(ctx,
		`SELECT id, username, token_balance, is_admin, created_at FROM users WHERE username = ?`, username,
	).Scan(&u.ID, &u.Username, &u.TokenBalance, &u.IsAdmin, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("user not found: %s", username)
	}
	if err != nil {
		return nil, fmt.Errorf("get user by username: %w", err)
	}
	return u, nil
}

func (s *SQLiteStore) AdjustTokenBalance(ctx context.Context, userID string, delta int, txType, referenceID string) (*models.TokenTransaction, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin token transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var balance int
	err = tx.QueryRowContext(ctx, "SELECT token_balance FROM users WHERE id = ?", userID).Scan(&balance)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("user not found: %s", userID)
	}
	if err != nil {
		return nil, fmt.Errorf("read token balance: %w", err)
	}

	newBalance := balance + delta
	if newBalance < 0 {
		return nil, fmt.Errorf("insufficient balance: have %d, need %d", balance, -delta)
	}

	if _, err := tx.ExecContext(ctx, "UPDATE users SET token_balance = ? WHERE id = ?", newBalance, userID); err != nil {
		return nil, fmt.Errorf("update token balance: %w", err)
	}

	record := &models.TokenTransaction{
		ID:           newULID(),
		UserID:       userID,
		Amount:       delta,
		Type:         txType,
		ReferenceID:  referenceID,
		BalanceAfter: newBalance,
		CreatedAt:    time.Now().UTC(),
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO token_transactions (id, user_id, amount, type, reference_id, balance_after, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		record.ID, record.UserID, record.Amount, record.Type, record.ReferenceID, record.BalanceAfter, record.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("record token transaction: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit token transaction: %w", err)
	}
	return record, nil
}

func (s *SQLiteStore) ListTokenTransactions(ctx context.Context, userID string, limit int) ([]*models.TokenTransaction, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, amount, type, reference_id, balance_after, created_at
		FROM token_transactions WHERE user_id = ? ORDER BY created_at DESC LIMIT ?`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list token transactions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var records []*models.TokenTransaction
	for rows.Next() {
		r := &models.TokenTransaction{}
		if err := rows.Scan(&r.ID, &r.UserID, &r.Amount, &r.Type, &r.ReferenceID, &r.BalanceAfter, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan token transaction: %w", err)
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

// --- File blobs ---

func (s *SQLiteStore) CreateBlob(ctx context.Context, b *models.FileBlob) error {
	if b.ID == "" {
		b.ID = newULID()
	}
	b.Size = int64(len(b.Data))
	b.CreatedAt = time.Now().UTC()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO file_blobs (id, filename, content_type, size, data, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		b.ID, b.Filename, b.ContentType, b.Size, b.Data, b.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("create blob: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetBlob(ctx context.Context, id string) (*models.FileBlob, error) {
	b := &models.FileBlob{}
	err := s.db.QueryRowContext(ctx,
		`SELECT id, filename, content_type, size, data, created_at FROM file_blobs WHERE id = ?`, id,
	).Scan(&b.ID, &b.Filename, &b.ContentType, &b.Size, &b.Data, &b.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("blob not found: %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get blob: %w", err)
	}
	return b, nil
}
