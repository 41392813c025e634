package chat_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/victornm/livepoll/internal/chat"
	"github.com/victornm/livepoll/internal/domain"
	"github.com/victornm/livepoll/internal/errors"
)

func TestService_Send_RejectsBlankText(t *testing.T) {
	t.Parallel()

	// Validation happens before any storage access.
	s := chat.NewService(chat.Config{})

	for _, text := range []string{"", "   ", "\n\t"} {
		_, err := s.Send(context.Background(), chat.SendRequest{
			SenderID:   "c1",
			SenderName: "Alice",
			Role:       domain.RoleStudent,
			Text:       text,
		})
		require.Error(t, err)
		require.Equal(t, errors.CodeInvalidArgument, errors.Convert(err).Code)
	}
}
