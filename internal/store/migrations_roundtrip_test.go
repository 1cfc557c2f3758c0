package store

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"testing"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

func openMigratedTestDB(t *testing.T, ctx context.Context) *sql.DB {
	t.Helper()
	dsn := strings.TrimSpace(os.Getenv("MEW_TEST_DATABASE_URL"))
	if dsn == "" {
		t.Skip("MEW_TEST_DATABASE_URL is not set")
	}

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		t.Fatalf("open postgres: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	if err := db.PingContext(ctx); err != nil {
		t.Fatalf("ping postgres: %v", err)
	}

	if err := resetPublicSchema(ctx, db); err != nil {
		t.Fatalf("reset schema: %v", err)
	}

	if err := ApplyMigrations(ctx, db, filepath.Join("..", "..", "db", "migrations")); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	return db
}

func TestMigrationsRoundTripPostgres(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	db := openMigratedTestDB(t, ctx)
	migrationsDir := filepath.Join("..", "..", "db", "migrations")

	if err := applyDownMigrations(ctx, db, migrationsDir); err != nil {
		t.Fatalf("apply down migrations: %v", err)
	}

	if _, err := db.ExecContext(ctx, `DELETE FROM schema_migrations`); err != nil {
		t.Fatalf("clear schema_migrations: %v", err)
	}

	if err := ApplyMigrations(ctx, db, migrationsDir); err != nil {
		t.Fatalf("apply up migrations (pass 2): %v", err)
	}
}

func TestMessageRoundTripPostgres(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	db := openMigratedTestDB(t, ctx)
	s := NewPostgresStore(db)

	author, err := s.CreateUser(ctx, User{
		Username:     "alice",
		Email:        "alice@example.com",
		PasswordHash: "x",
	})
	if err != nil {
		t.Fatalf("create user: %v", err)
	}

	created, err := s.CreateMessage(ctx, Message{
		ChannelID:   "chn-roundtrip",
		AuthorID:    author.ID,
		Content:     "hello",
		ClientNonce: "n-1",
	})
	if err != nil {
		t.Fatalf("create message: %v", err)
	}
	if created.CreatedAt.IsZero() {
		t.Error("expected created_at to be set on insert")
	}
	if !created.UpdatedAt.IsZero() {
		t.Errorf("expected no updated_at on a fresh message, got %v", created.UpdatedAt)
	}

	got, err := s.GetMessage(ctx, created.ID)
	if err != nil {
		t.Fatalf("get message: %v", err)
	}
	if got.Content != "hello" || got.ClientNonce != "n-1" || got.AuthorID != author.ID {
		t.Errorf("unexpected message after round trip: %+v", got)
	}
	if !got.UpdatedAt.IsZero() {
		t.Errorf("expected no updated_at before the first edit, got %v", got.UpdatedAt)
	}

	edited, err := s.UpdateMessageContent(ctx, created.ID, "hello again")
	if err != nil {
		t.Fatalf("update message: %v", err)
	}
	if edited.Content != "hello again" {
		t.Errorf("expected edited content, got %q", edited.Content)
	}
	if edited.UpdatedAt.IsZero() {
		t.Error("expected updated_at after an edit")
	}

	if _, err := s.SetReactions(ctx, created.ID, []Reaction{{Emoji: "👍", UserIDs: []string{author.ID}}}); err != nil {
		t.Fatalf("set reactions: %v", err)
	}
	got, err = s.GetMessage(ctx, created.ID)
	if err != nil {
		t.Fatalf("get message after reactions: %v", err)
	}
	if len(got.Reactions) != 1 || got.Reactions[0].Emoji != "👍" {
		t.Errorf("unexpected reactions: %+v", got.Reactions)
	}

	listed, err := s.ListMessages(ctx, "chn-roundtrip", 50)
	if err != nil {
		t.Fatalf("list messages: %v", err)
	}
	if len(listed) != 1 || listed[0].ID != created.ID {
		t.Errorf("expected the one message in the channel, got %+v", listed)
	}

	if err := s.DeleteMessage(ctx, created.ID); err != nil {
		t.Fatalf("delete message: %v", err)
	}
	if _, err := s.GetMessage(ctx, created.ID); err != sql.ErrNoRows {
		t.Errorf("expected sql.ErrNoRows after delete, got %v", err)
	}
}

func resetPublicSchema(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `DROP SCHEMA IF EXISTS public CASCADE; CREATE SCHEMA public;`)
	return err
}

func applyDownMigrations(ctx context.Context, db *sql.DB, migrationsDir string) error {
	entries, err := os.ReadDir(migrationsDir)
	if err != nil {
		return err
	}

	pattern := regexp.MustCompile(`^(\d+)_.*\.down\.sql$`)
	type migration struct {
		version string
		path    string
	}
	downs := make([]migration, 0)

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		match := pattern.FindStringSubmatch(name)
		if match == nil {
			continue
		}
		downs = append(downs, migration{
			version: match[1],
			path:    filepath.Join(migrationsDir, name),
		})
	}

	sort.Slice(downs, func(i, j int) bool {
		return downs[i].version > downs[j].version
	})

	for _, down := range downs {
		sqlBytes, err := os.ReadFile(down.path)
		if err != nil {
			return err
		}
		sqlText := strings.TrimSpace(string(sqlBytes))
		if sqlText == "" {
			continue
		}
		if _, err := db.ExecContext(ctx, sqlText); err != nil {
			return err
		}
	}

	return nil
}
