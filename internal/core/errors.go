package core

import (
	"github.com/m-mizutani/goerr/v2"
)

// Kind is the machine-readable class of an error returned by Service.
type Kind string

const (
	KindValidation Kind = "validation"
	KindNotFound   Kind = "not-found"
	KindConflict   Kind = "conflict"
	KindStorage    Kind = "storage"
	KindInternal   Kind = "internal"
)

var (
	TagValidation = goerr.NewTag("validation")
	TagNotFound   = goerr.NewTag("not-found")
	TagConflict   = goerr.NewTag("conflict")
	TagStorage    = goerr.NewTag("storage")
)

// KindOf classifies err. Errors that carry none of the taxonomy tags are
// internal.
func KindOf(err error) Kind {
	switch {
	case err == nil:
		return ""
	case goerr.HasTag(err, TagValidation):
		return KindValidation
	case goerr.HasTag(err, TagNotFound):
		return KindNotFound
	case goerr.HasTag(err, TagConflict):
		return KindConflict
	case goerr.HasTag(err, TagStorage):
		return KindStorage
	}
	return KindInternal
}

func notFound(msg string, opts ...goerr.Option) error {
	return goerr.New(msg, append(opts, goerr.T(TagNotFound))...)
}

func conflict(msg string, opts ...goerr.Option) error {
	return goerr.New(msg, append(opts, goerr.T(TagConflict))...)
}

// classify tags err as a storage failure unless it already carries a kind.
func classify(err error, msg string, opts ...goerr.Option) error {
	if err == nil {
		return nil
	}
	if KindOf(err) != KindInternal {
		return err
	}
	return goerr.Wrap(err, msg, append(opts, goerr.T(TagStorage))...)
}
