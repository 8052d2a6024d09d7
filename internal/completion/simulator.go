package completion

import (
	"context"
	"time"
)

// EstimateTokens approximates the token count of a text. Four characters
// per token is close enough for usage accounting when a backend reports
// no usage of its own.
func EstimateTokens(text string) int {
	if text == "" {
		return 0
	}
	return len(text)/4 + 1
}

// Simulator is a deterministic in-process Service for tests and offline
// runs. Respond maps a request to the text the model would return; when
// nil every call answers an empty JSON object.
type Simulator struct {
	Respond func(Request) (string, error)
	Delay   time.Duration

	calls int
}

var _ Service = (*Simulator)(nil)

func (s *Simulator) Complete(ctx context.Context, req Request) (Response, error) {
	select {
	case <-ctx.Done():
		return Response{}, ctx.Err()
	default:
	}

	s.calls++
	text := "{}"
	if s.Respond != nil {
		var err error
		text, err = s.Respond(req)
		if err != nil {
			return Response{}, err
		}
	}

	in := EstimateTokens(req.System) + EstimateTokens(req.Prompt)
	out := EstimateTokens(text)
	usage := Usage{
		InputTokens:  in,
		OutputTokens: out,
		Latency:      s.Delay,
	}
	if card, ok := CardFor(req.Model); ok {
		usage.Cost = card.InputCost(in) + card.OutputCost(out)
	}
	return Response{Text: text, Usage: usage}, nil
}

// Calls reports how many completions the simulator has served.
func (s *Simulator) Calls() int { return s.calls }
