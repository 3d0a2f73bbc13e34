package testutil

import (
	"context"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/medflow/medflow-pharmacy/migrations"
	"github.com/medflow/medflow-pharmacy/pkg/database"
	"github.com/medflow/medflow-pharmacy/pkg/logger"
)

var (
	// Global test container (shared across all integration tests)
	globalContainer *PostgresContainer
	globalDB        *sqlx.DB
	containerOnce   sync.Once
	containerErr    error
)

// IntegrationSuite provides a base for integration tests with real PostgreSQL
type IntegrationSuite struct {
	Container     *PostgresContainer
	RawDB         *sqlx.DB
	DB            *database.DB
	TenantManager *TenantManager
	Logger        *logger.Logger
}

// NewIntegrationSuite creates a new integration test suite.
// Call this in TestMain to set up shared test infrastructure.
//
// Usage:
//
//	var suite *testutil.IntegrationSuite
//
//	func TestMain(m *testing.M) {
//	    flag.Parse()
//	    if testing.Short() {
//	        os.Exit(m.Run())
//	    }
//	    ctx := context.Background()
//	    s, err := testutil.NewIntegrationSuite(ctx)
//	    if err != nil {
//	        log.Fatal(err)
//	    }
//	    suite = s
//	    code := m.Run()
//	    testutil.TerminateContainer(ctx)
//	    os.Exit(code)
//	}
func NewIntegrationSuite(ctx context.Context) (*IntegrationSuite, error) {
	container, db, err := getOrCreateContainer(ctx)
	if err != nil {
		return nil, err
	}

	log := logger.New("pharmacy-test", "test")
	wrappedDB, err := database.NewWithDSN(container.DSN, log)
	if err != nil {
		return nil, err
	}

	if err := container.CreatePublicSchema(ctx, db); err != nil {
		return nil, err
	}

	return &IntegrationSuite{
		Container:     container,
		RawDB:         db,
		DB:            wrappedDB,
		TenantManager: NewTenantManager(db),
		Logger:        log,
	}, nil
}

// getOrCreateContainer returns the shared test container
func getOrCreateContainer(ctx context.Context) (*PostgresContainer, *sqlx.DB, error) {
	containerOnce.Do(func() {
		globalContainer, containerErr = NewPostgresContainer(ctx, DefaultPostgresConfig())
		if containerErr != nil {
			return
		}
		globalDB, containerErr = globalContainer.Connect(ctx)
	})

	return globalContainer, globalDB, containerErr
}

// SetupPharmacyTenant creates a tenant and migrates its schema with the
// embedded pharmacy migrations. The schema is dropped when the test ends.
func (s *IntegrationSuite) SetupPharmacyTenant(t *testing.T, ctx context.Context, name string) *TestTenant {
	t.Helper()

	tt, err := s.TenantManager.CreateTenant(ctx, name)
	if err != nil {
		t.Fatalf("failed to create tenant: %v", err)
	}

	t.Cleanup(func() {
		if err := s.TenantManager.DropTenant(context.Background(), tt); err != nil {
			t.Logf("warning: failed to drop tenant %s: %v", tt.SchemaName, err)
		}
	})

	if _, err := database.NewMigrator(s.DB, migrations.FS).Up(ctx, tt.SchemaName); err != nil {
		t.Fatalf("failed to migrate tenant %s: %v", tt.SchemaName, err)
	}

	return tt
}

// TenantContext returns a context with the tenant set
func (s *IntegrationSuite) TenantContext(tt *TestTenant) context.Context {
	return WithTestTenant(context.Background(), tt)
}

// Cleanup drops every tenant the suite created
func (s *IntegrationSuite) Cleanup(ctx context.Context) error {
	// The container is shared and terminated separately.
	return s.TenantManager.Cleanup(ctx)
}

// TerminateContainer terminates the shared container.
// Only call this in TestMain after all tests have completed.
func TerminateContainer(ctx context.Context) {
	if globalContainer != nil {
		globalContainer.Terminate(ctx)
	}
}

// InsertProduct seeds an active product in the tenant schema and returns its id.
func (s *IntegrationSuite) InsertProduct(t *testing.T, ctx context.Context, tt *TestTenant, name string) string {
	t.Helper()

	id := uuid.New().String()
	query := "INSERT INTO " + tt.SchemaName + ".products (id, name, category, unit, status) VALUES ($1, $2, 'medication', 'tablet', 'active')"
	if _, err := s.RawDB.ExecContext(ctx, query, id, name); err != nil {
		t.Fatalf("failed to insert product %s: %v", name, err)
	}
	return id
}
