// Package diagnosis generates IRIS strategic diagnoses and charges credits
// for each successful generation.
package diagnosis

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/MarkoPoloResearchLab/iris-credits/pkg/ledger"
)

var (
	ErrGenerationFailed   = errors.New("diagnosis generation failed")
	ErrEmptyResponse      = errors.New("generator returned an empty response")
	ErrMalformedResponse  = errors.New("generator returned a malformed response")
	ErrInvalidRequest     = errors.New("invalid diagnosis request")
	ErrInvalidConfig      = errors.New("invalid diagnosis config")
	errMissingRequiredKey = errors.New("missing executiveSummary or sections")
)

const (
	maxTitleLength      = 300
	maxClientNameLength = 300
	chargeDescription   = "Diagnosis generation"
)

// Section is one titled block of insights.
type Section struct {
	Name     string   `json:"name"`
	Insights []string `json:"insights"`
}

// Content is the structured diagnosis returned by the generator.
type Content struct {
	ExecutiveSummary string    `json:"executiveSummary"`
	Sections         []Section `json:"sections"`
}

// Validate checks that the generator produced the required fields.
func (content Content) Validate() error {
	if strings.TrimSpace(content.ExecutiveSummary) == "" || len(content.Sections) == 0 {
		return fmt.Errorf("%w: %w", ErrMalformedResponse, errMissingRequiredKey)
	}
	for index, section := range content.Sections {
		if strings.TrimSpace(section.Name) == "" {
			return fmt.Errorf("%w: section %d has no name", ErrMalformedResponse, index)
		}
	}
	return nil
}

// Generation is a generator result.
type Generation struct {
	Content    Content
	TokensUsed int64
}

// Generator produces a diagnosis for a consultancy engagement.
type Generator interface {
	Generate(ctx context.Context, title string, clientName string) (Generation, error)
}

// Request describes a diagnosis to generate.
type Request struct {
	ConsultancyID  string
	Title          string
	ClientName     string
	IdempotencyKey string
}

// Result is a charged diagnosis.
type Result struct {
	Content       Content
	TokensUsed    int64
	ReservationID ledger.ReservationID
}

// Service charges credits around diagnosis generation.
type Service struct {
	credits   *ledger.Service
	generator Generator
	cost      ledger.CreditAmount
}

// NewService wires a Service charging cost credits per diagnosis.
func NewService(credits *ledger.Service, generator Generator, cost int64) (*Service, error) {
	if credits == nil {
		return nil, fmt.Errorf("%w: credit service is nil", ErrInvalidConfig)
	}
	if generator == nil {
		return nil, fmt.Errorf("%w: generator is nil", ErrInvalidConfig)
	}
	amount, err := ledger.NewCreditAmount(cost)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	return &Service{credits: credits, generator: generator, cost: amount}, nil
}

// Generate reserves credits, runs the generator and consumes the reservation
// only when the generator returns a valid diagnosis.
func (service *Service) Generate(ctx context.Context, userID ledger.UserID, request Request) (Result, error) {
	options, err := chargeOptions(request)
	if err != nil {
		return Result{}, err
	}
	title := strings.TrimSpace(request.Title)
	clientName := strings.TrimSpace(request.ClientName)
	return ledger.WithCreditCharge(ctx, service.credits, userID, service.cost, func(ctx context.Context, reservationID ledger.ReservationID) (Result, error) {
		generation, err := service.generator.Generate(ctx, title, clientName)
		if err != nil {
			return Result{}, fmt.Errorf("%w: %w", ErrGenerationFailed, err)
		}
		if err := generation.Content.Validate(); err != nil {
			return Result{}, fmt.Errorf("%w: %w", ErrGenerationFailed, err)
		}
		return Result{Content: generation.Content, TokensUsed: generation.TokensUsed, ReservationID: reservationID}, nil
	}, options)
}

func chargeOptions(request Request) (ledger.ChargeOptions, error) {
	title := strings.TrimSpace(request.Title)
	if title == "" || len(title) > maxTitleLength {
		return ledger.ChargeOptions{}, fmt.Errorf("%w: title must be 1 to %d characters", ErrInvalidRequest, maxTitleLength)
	}
	if len(strings.TrimSpace(request.ClientName)) > maxClientNameLength {
		return ledger.ChargeOptions{}, fmt.Errorf("%w: client name longer than %d characters", ErrInvalidRequest, maxClientNameLength)
	}
	referenceID, err := ledger.NewReferenceID(request.ConsultancyID)
	if err != nil {
		return ledger.ChargeOptions{}, err
	}
	description, err := ledger.NewDescription(chargeDescription)
	if err != nil {
		return ledger.ChargeOptions{}, err
	}
	options := ledger.ChargeOptions{ReferenceID: referenceID, Description: description}
	if strings.TrimSpace(request.IdempotencyKey) != "" {
		key, err := ledger.NewIdempotencyKey(request.IdempotencyKey)
		if err != nil {
			return ledger.ChargeOptions{}, err
		}
		options.IdempotencyKey = key
	}
	return options, nil
}
