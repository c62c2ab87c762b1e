// Copyright (c) 2024 Bryan Frimin <bryan@frimin.fr>.
//
// Permission to use, copy, modify, and/or distribute this software
// for any purpose with or without fee is hereby granted, provided
// that the above copyright notice and this permission notice appear
// in all copies.
//
// THE SOFTWARE IS PROVIDED "AS IS" AND THE AUTHOR DISCLAIMS ALL
// WARRANTIES WITH REGARD TO THIS SOFTWARE INCLUDING ALL IMPLIED
// WARRANTIES OF MERCHANTABILITY AND FITNESS. IN NO EVENT SHALL THE
// AUTHOR BE LIABLE FOR ANY SPECIAL, DIRECT, INDIRECT, OR
// CONSEQUENTIAL DAMAGES OR ANY DAMAGES WHATSOEVER RESULTING FROM LOSS
// OF USE, DATA OR PROFITS, WHETHER IN AN ACTION OF CONTRACT,
// NEGLIGENCE OR OTHER TORTIOUS ACTION, ARISING OUT OF OR IN
// CONNECTION WITH THE USE OR PERFORMANCE OF THIS SOFTWARE.

package meter

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPersistence(t *testing.T) {
	t.Run("nil error", func(t *testing.T) {
		assert.NoError(t, Persistence("load subject", nil))
	})

	t.Run("keeps cause", func(t *testing.T) {
		err := Persistence("increment counter", context.DeadlineExceeded)

		assert.ErrorIs(t, err, ErrPersistence)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
		assert.Contains(t, err.Error(), "cannot increment counter")
	})

	t.Run("does not wrap twice", func(t *testing.T) {
		inner := Persistence("a", errors.New("boom"))
		outer := Persistence("b", inner)

		assert.Equal(t, inner, outer)
	})
}

func TestSubjectStatus(t *testing.T) {
	s := &Subject{Status: SubjectStatusActive}
	assert.True(t, s.IsActive())

	for _, status := range []SubjectStatus{
		SubjectStatusInactive,
		SubjectStatusSuspended,
		SubjectStatusDeleted,
	} {
		s.Status = status
		assert.False(t, s.IsActive(), status)
		assert.True(t, status.IsValid())
	}

	assert.False(t, SubjectStatus("banned").IsValid())
}
