package credential

import (
	"testing"

	"github.com/99designs/keyring"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMailboxPassword(t *testing.T) {
	s := NewStore(keyring.NewArrayKeyring(nil))

	_, err := s.MailboxPassword("work")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.SetMailboxPassword("work", "hunter2"))
	got, err := s.MailboxPassword("work")
	require.NoError(t, err)
	assert.Equal(t, "hunter2", got)

	_, err = s.MailboxPassword("home")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.DeleteMailboxPassword("work"))
	require.NoError(t, s.DeleteMailboxPassword("work"))
	_, err = s.MailboxPassword("work")
	assert.ErrorIs(t, err, ErrNotFound)
}
