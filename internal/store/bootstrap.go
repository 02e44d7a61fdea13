package store

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

// Bootstrap creates the hub tables and seeds the first operator account.
func (s *Store) Bootstrap(ctx context.Context, adminEmail, adminPassword string, log *zap.Logger) error {
	if _, err := s.DB.ExecContext(ctx, s.Dialect.TablesSQL()); err != nil {
		return fmt.Errorf("bootstrap hub tables: %w", err)
	}
	if err := s.seedAdminUser(ctx, adminEmail, adminPassword, log); err != nil {
		return fmt.Errorf("seed admin user: %w", err)
	}
	return nil
}

func (s *Store) seedAdminUser(ctx context.Context, email, password string, log *zap.Logger) error {
	row, err := QueryRow(ctx, s.DB, "SELECT COUNT(*) AS n FROM hub_users")
	if err != nil {
		return err
	}
	if ToInt(row["n"]) > 0 {
		return nil
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return err
	}

	pb := s.Dialect.NewParamBuilder()
	_, err = Exec(ctx, s.DB,
		fmt.Sprintf(`INSERT INTO hub_users (id, email, password_hash, roles, active, created_at)
		 VALUES (%s, %s, %s, %s, %s, %s)`,
			pb.Add(GenerateUUID()), pb.Add(email), pb.Add(string(hash)), pb.Add(`["admin"]`),
			pb.Add(true), pb.Add(s.Dialect.TimeParam(time.Now()))),
		pb.Params()...)
	if err != nil {
		return MapError(s.Dialect, err)
	}

	log.Warn("default admin user created, change the password immediately", zap.String("email", email))
	return nil
}

// FindUserByEmail returns the operator account row for email.
func (s *Store) FindUserByEmail(ctx context.Context, email string) (map[string]any, error) {
	return QueryRow(ctx, s.DB,
		fmt.Sprintf("SELECT id, email, password_hash, roles, active FROM hub_users WHERE email = %s",
			s.Dialect.Placeholder(1)), email)
}
