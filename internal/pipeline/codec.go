package pipeline

import (
	"errors"
	"fmt"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-json"

	"github.com/kalambet/chatflow/internal/flow"
)

var (
	// ErrValidation marks a stage input that failed to decode or validate.
	// The flow halts at that stage.
	ErrValidation = errors.New("invalid stage payload")
	// ErrNotRunning is returned by Submit before Run has started the router.
	ErrNotRunning = errors.New("pipeline is not running")
)

var (
	validate     *validator.Validate
	validateOnce sync.Once
)

func payloadValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
	})
	return validate
}

// decode reads an envelope from a message and validates its payload.
func decode[T any](msg *message.Message) (flow.Envelope[T], error) {
	var env flow.Envelope[T]
	if err := json.Unmarshal(msg.Payload, &env); err != nil {
		return env, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	if err := payloadValidator().Struct(env.Payload); err != nil {
		return env, fmt.Errorf("%w: %w", ErrValidation, err)
	}
	return env, nil
}

// encode builds a message carrying env, tagged with the correlation id.
func encode[T any](env flow.Envelope[T]) (*message.Message, error) {
	b, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encoding %T: %w", env.Payload, err)
	}
	msg := message.NewMessage(watermill.NewUUID(), b)
	if env.CorrelationID != "" {
		middleware.SetCorrelationID(env.CorrelationID, msg)
	}
	return msg, nil
}
