package llm

import (
	"context"
	"time"

	"github.com/opscore/reasoning-core/internal/classifier"
)

// ClientOracle adapts a Client (the Anthropic client is the only concrete
// implementation wired into cmd/opscore) to the classifier.Oracle interface,
// renaming the wire shape per §6 of the
// specification: chat(messages, options) -> {content, usage, finishReason,
// latency}. This is the one real, non-stub Oracle implementation; tests and
// cmd/opscore's default wiring use classifier.StubOracle instead.
type ClientOracle struct {
	Client Client
	Model  string

	// TokenEstimator estimates usage when a provider's response does not
	// report it directly. Defaults to classifier.CharDiv4Estimator,
	// preserving the open question noted in §9 of the specification.
	TokenEstimator classifier.TokenEstimator
}

// NewClientOracle wraps client, sending every call against model.
func NewClientOracle(client Client, model string) *ClientOracle {
	return &ClientOracle{Client: client, Model: model, TokenEstimator: classifier.CharDiv4Estimator{}}
}

// Chat implements classifier.Oracle.
func (o *ClientOracle) Chat(ctx context.Context, messages []classifier.Message, opts classifier.Options) (classifier.Response, error) {
	model := opts.Model
	if model == "" {
		model = o.Model
	}

	wire := make([]Message, len(messages))
	for i, m := range messages {
		wire[i] = Message{Role: string(m.Role), Content: m.Content}
	}

	start := time.Now()
	resp, err := o.Client.Chat(ctx, model, wire, nil)
	latency := time.Since(start)
	if err != nil {
		return classifier.Response{}, err
	}

	estimator := o.TokenEstimator
	if estimator == nil {
		estimator = classifier.CharDiv4Estimator{}
	}
	inputTokens := resp.InputTokens
	outputTokens := resp.OutputTokens
	if inputTokens == 0 && outputTokens == 0 {
		for _, m := range messages {
			inputTokens += estimator.Estimate(m.Content)
		}
		outputTokens = estimator.Estimate(resp.Message.Content)
	}

	finish := "stop"
	if !resp.Done {
		finish = "incomplete"
	}

	return classifier.Response{
		Content:      resp.Message.Content,
		Usage:        classifier.Usage{InputTokens: inputTokens, OutputTokens: outputTokens},
		FinishReason: finish,
		Latency:      latency,
	}, nil
}
