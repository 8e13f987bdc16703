package usecase

import (
	"errors"
	"fmt"
	"time"

	"github.com/tsa-backend/ledger/internal/domain"
	"github.com/tsa-backend/ledger/internal/repository"
)

type options struct {
	now   func() time.Time
	codes domain.CodeGenerator
}

type Option func(*options)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithCodeGenerator replaces the voucher code generator.
func WithCodeGenerator(gen domain.CodeGenerator) Option {
	return func(o *options) { o.codes = gen }
}

func buildOptions(opts []Option) options {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// notFound turns a missing row into a ledger NotFound for entity/ref and
// passes any other error through.
func notFound(err error, entity string, ref any) error {
	if errors.Is(err, repository.ErrNoRows) {
		return domain.NewError(domain.ErrNotFound, entity, ref)
	}
	return fmt.Errorf("load %s %v: %w", entity, ref, err)
}

