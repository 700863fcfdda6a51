package diagnosis

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/MarkoPoloResearchLab/iris-credits/internal/store/gormstore"
	"github.com/MarkoPoloResearchLab/iris-credits/pkg/ledger"
	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type stubGenerator struct {
	generation Generation
	err        error
	calls      int
}

func (generator *stubGenerator) Generate(context.Context, string, string) (Generation, error) {
	generator.calls++
	return generator.generation, generator.err
}

func newCreditService(test *testing.T) *ledger.Service {
	test.Helper()
	db, err := gorm.Open(sqlite.Open(test.TempDir()+"/credits.db"), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(test, err)
	sqlDB, err := db.DB()
	require.NoError(test, err)
	sqlDB.SetMaxOpenConns(1)
	test.Cleanup(func() { _ = sqlDB.Close() })
	store := gormstore.New(db)
	require.NoError(test, store.Migrate(context.Background()))
	service, err := ledger.NewService(store, time.Now)
	require.NoError(test, err)
	return service
}

func grant(test *testing.T, service *ledger.Service, userID ledger.UserID, amount int64) {
	test.Helper()
	credits, err := ledger.NewCreditAmount(amount)
	require.NoError(test, err)
	_, err = service.Grant(context.Background(), userID, credits, ledger.TransactionTypePurchase, ledger.Description{})
	require.NoError(test, err)
}

func validGeneration() Generation {
	return Generation{
		Content: Content{
			ExecutiveSummary: "Consolidate the product line.",
			Sections:         []Section{{Name: "Recommendations", Insights: []string{"sunset legacy tier"}}},
		},
		TokensUsed: 900,
	}
}

func TestGenerateChargesOnSuccess(test *testing.T) {
	test.Parallel()
	credits := newCreditService(test)
	userID, err := ledger.NewUserID("consultant-1")
	require.NoError(test, err)
	grant(test, credits, userID, 5)
	generator := &stubGenerator{generation: validGeneration()}
	service, err := NewService(credits, generator, 2)
	require.NoError(test, err)

	result, err := service.Generate(context.Background(), userID, Request{
		ConsultancyID: "5f0c7c8e-2d0a-4e55-9a41-4b7b1f0f6c11",
		Title:         "Market entry",
	})
	require.NoError(test, err)
	assert.Equal(test, int64(900), result.TokensUsed)
	assert.False(test, result.ReservationID.IsZero())

	balance, err := credits.Balance(context.Background(), userID)
	require.NoError(test, err)
	assert.Equal(test, int64(3), balance.Available)
	assert.Equal(test, int64(2), balance.TotalConsumed)

	transactions, err := credits.ListTransactions(context.Background(), userID, ledger.NewPage(0, 0))
	require.NoError(test, err)
	require.NotEmpty(test, transactions)
	assert.Equal(test, "5f0c7c8e-2d0a-4e55-9a41-4b7b1f0f6c11", transactions[0].ReferenceID.String())
	assert.Equal(test, chargeDescription, transactions[0].Description.String())
}

func TestGenerateReleasesOnGeneratorFailure(test *testing.T) {
	test.Parallel()
	credits := newCreditService(test)
	userID, err := ledger.NewUserID("consultant-2")
	require.NoError(test, err)
	grant(test, credits, userID, 1)
	service, err := NewService(credits, &stubGenerator{err: errors.New("upstream 500")}, 1)
	require.NoError(test, err)

	_, err = service.Generate(context.Background(), userID, Request{Title: "Turnaround"})
	require.ErrorIs(test, err, ErrGenerationFailed)

	balance, err := credits.Balance(context.Background(), userID)
	require.NoError(test, err)
	assert.Equal(test, int64(1), balance.Available)
	assert.Equal(test, int64(0), balance.Reserved)
	assert.Equal(test, int64(0), balance.TotalConsumed)
}

func TestGenerateReleasesOnInvalidContent(test *testing.T) {
	test.Parallel()
	credits := newCreditService(test)
	userID, err := ledger.NewUserID("consultant-3")
	require.NoError(test, err)
	grant(test, credits, userID, 1)
	service, err := NewService(credits, &stubGenerator{generation: Generation{Content: Content{ExecutiveSummary: "only summary"}}}, 1)
	require.NoError(test, err)

	_, err = service.Generate(context.Background(), userID, Request{Title: "Pricing"})
	require.ErrorIs(test, err, ErrMalformedResponse)

	balance, err := credits.Balance(context.Background(), userID)
	require.NoError(test, err)
	assert.Equal(test, int64(1), balance.Available)
}

func TestGenerateSkipsGeneratorWithoutCredits(test *testing.T) {
	test.Parallel()
	credits := newCreditService(test)
	userID, err := ledger.NewUserID("consultant-4")
	require.NoError(test, err)
	generator := &stubGenerator{generation: validGeneration()}
	service, err := NewService(credits, generator, 1)
	require.NoError(test, err)

	_, err = service.Generate(context.Background(), userID, Request{Title: "Growth"})
	require.ErrorIs(test, err, ledger.ErrInsufficientCredits)
	assert.Zero(test, generator.calls)
}

func TestGenerateValidatesRequest(test *testing.T) {
	test.Parallel()
	credits := newCreditService(test)
	service, err := NewService(credits, &stubGenerator{}, 1)
	require.NoError(test, err)
	userID, err := ledger.NewUserID("consultant-5")
	require.NoError(test, err)

	_, err = service.Generate(context.Background(), userID, Request{Title: "  "})
	assert.ErrorIs(test, err, ErrInvalidRequest)
	_, err = service.Generate(context.Background(), userID, Request{Title: "ok", IdempotencyKey: strings.Repeat("k", 300)})
	assert.ErrorIs(test, err, ledger.ErrInvalidIdempotencyKey)
}

func TestNewServiceValidatesDependencies(test *testing.T) {
	test.Parallel()
	credits := newCreditService(test)
	_, err := NewService(nil, &stubGenerator{}, 1)
	assert.ErrorIs(test, err, ErrInvalidConfig)
	_, err = NewService(credits, nil, 1)
	assert.ErrorIs(test, err, ErrInvalidConfig)
	_, err = NewService(credits, &stubGenerator{}, 0)
	assert.ErrorIs(test, err, ErrInvalidConfig)
}
