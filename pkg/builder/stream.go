package builder

import (
	"context"
)

// Source is the read side of the log bus.
type Source interface {
	Request(id string) (BuildRequest, error)
	Since(id string, offset int) ([]LogRecord, bool, <-chan struct{}, error)
}

// Emitter receives a followed build log. Returning an error stops the stream.
type Emitter interface {
	Header(req BuildRequest) error
	Record(rec LogRecord) error
}

// Tail writes the header of build id, every record buffered so far, and then
// each new record as it is appended. It returns nil once the build has
// completed and all of its records were emitted, ErrNotFound for unknown ids,
// or the context error if the reader goes away first. Tail never mutates the
// build.
func Tail(ctx context.Context, src Source, id string, out Emitter) error {
	req, err := src.Request(id)
	if err != nil {
		return err
	}
	if err := out.Header(req); err != nil {
		return err
	}

	offset := 0
	for {
		recs, completed, changed, err := src.Since(id, offset)
		if err != nil {
			return err
		}
		for _, rec := range recs {
			if err := out.Record(rec); err != nil {
				return err
			}
		}
		offset += len(recs)
		if completed {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-changed:
		}
	}
}
