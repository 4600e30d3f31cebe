package orchestrator

import (
	"context"
	"fmt"
	"strings"

	"goa.design/clue/log"

	"github.com/agentgate/agentgate/runtime/model"
	"github.com/agentgate/agentgate/runtime/stream"
	"github.com/agentgate/agentgate/runtime/template"
)

// scoreItem grades the answered widgets of a completed item and, when the
// template asks for feedback, streams model-composed feedback to the client.
// Correct answers are consumed here only; they never reach the wire except
// inside feedback text the model chooses to reveal.
func (o *Orchestrator) scoreItem(ctx context.Context, s *Session, item template.Item, answers map[string]string, skipped map[string]bool) error {
	tmpl := s.Template
	score := stream.ItemScore{ItemID: item.ID}
	graded := false

	for _, content := range item.Contents {
		if !content.WidgetType.Interactive() || content.MaxScore == 0 {
			continue
		}
		graded = true
		score.MaxScore += content.MaxScore
		if skipped[content.ID] {
			score.Skipped = true
			continue
		}
		answer, ok := answers[content.ID]
		if !ok {
			continue
		}
		correct, feedback := o.gradeAnswer(ctx, s, content, answer, tmpl.IncludeFeedback)
		if correct {
			score.Score += content.MaxScore
		}
		if tmpl.IncludeFeedback && feedback != "" {
			if err := o.sendAssistantText(ctx, s, feedback); err != nil {
				return err
			}
		}
	}

	if graded {
		s.mu.Lock()
		s.scores = append(s.scores, score)
		s.mu.Unlock()
	}
	return nil
}

// gradeAnswer checks one answer. The model grades free-form answers and
// composes feedback; when it is unavailable or the item has no stored answer
// the fallback is case-insensitive string equality.
func (o *Orchestrator) gradeAnswer(ctx context.Context, s *Session, content template.ItemContent, answer string, wantFeedback bool) (bool, string) {
	equal := content.CorrectAnswer != "" &&
		strings.EqualFold(strings.TrimSpace(answer), strings.TrimSpace(content.CorrectAnswer))
	if !wantFeedback {
		// Plain grading needs no model round-trip.
		return equal, ""
	}

	modelID := s.modelID()
	client, err := o.models.Client(modelID)
	if err != nil {
		return equal, fallbackFeedback(equal, wantFeedback)
	}

	prompt := gradingPrompt(content, answer)
	resp, err := client.Complete(ctx, model.Request{
		Model: modelID,
		Messages: []model.Message{
			{Role: model.RoleSystem, Content: "You grade a learner's answer. Reply with CORRECT or INCORRECT on the first line, then one short paragraph of feedback."},
			{Role: model.RoleUser, Content: prompt},
		},
	})
	if err != nil {
		log.Error(ctx, err, log.KV{K: "content_id", V: content.ID})
		return equal, fallbackFeedback(equal, wantFeedback)
	}

	verdict, feedback := splitVerdict(resp.Content)
	switch verdict {
	case "CORRECT":
		return true, feedbackOrEmpty(feedback, wantFeedback)
	case "INCORRECT":
		return false, feedbackOrEmpty(feedback, wantFeedback)
	default:
		// Unusable model output, fall back to string equality.
		return equal, fallbackFeedback(equal, wantFeedback)
	}
}

func gradingPrompt(content template.ItemContent, answer string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Question: %s\n", content.Stem)
	if len(content.Options) > 0 {
		fmt.Fprintf(&b, "Options: %s\n", strings.Join(content.Options, ", "))
	}
	if content.CorrectAnswer != "" {
		fmt.Fprintf(&b, "Expected answer: %s\n", content.CorrectAnswer)
	} else {
		b.WriteString("There is no single expected answer; judge the response on its merits.\n")
	}
	if content.Explanation != "" {
		fmt.Fprintf(&b, "Reference explanation: %s\n", content.Explanation)
	}
	fmt.Fprintf(&b, "Learner's answer: %s", answer)
	return b.String()
}

func splitVerdict(content string) (string, string) {
	content = strings.TrimSpace(content)
	line, rest, _ := strings.Cut(content, "\n")
	return strings.ToUpper(strings.TrimSpace(line)), strings.TrimSpace(rest)
}

func feedbackOrEmpty(feedback string, want bool) string {
	if !want {
		return ""
	}
	return feedback
}

func fallbackFeedback(correct, want bool) string {
	if !want {
		return ""
	}
	if correct {
		return "Correct!"
	}
	return "Not quite, let's keep going."
}

// scoreReport aggregates the per-item scores collected during the flow.
func (s *Session) scoreReport(passingPercent *int) stream.ScoreReport {
	s.mu.Lock()
	defer s.mu.Unlock()
	report := stream.ScoreReport{ItemBreakdown: append([]stream.ItemScore(nil), s.scores...)}
	for _, item := range s.scores {
		report.TotalScore += item.Score
		report.MaxScore += item.MaxScore
	}
	if report.MaxScore > 0 {
		report.Percent = report.TotalScore * 100 / report.MaxScore
	}
	if passingPercent != nil {
		passed := report.Percent >= *passingPercent
		report.Passed = &passed
	}
	return report
}
