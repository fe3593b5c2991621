package engine

import (
	"fmt"
	"strings"
	"time"

	"github.com/nagare-ai/tansa/internal/model"
	"github.com/nagare-ai/tansa/internal/websearch"
)

// recentLearningsInPrompt bounds how many accumulated learnings the
// planning prompt embeds, keeping prompt size flat as runs grow.
const recentLearningsInPrompt = 30

func systemPrompt() string {
	now := time.Now().UTC().Format(time.RFC3339)
	return fmt.Sprintf(`You are an expert researcher. Today is %s. Follow these instructions when responding:
- You may be asked to research subjects that are after your knowledge cutoff; assume the user is right when presented with news.
- The user is a highly experienced analyst, no need to simplify; be as detailed as possible and make sure your response is correct.
- Be highly organized.
- Mistakes erode trust, so be accurate and thorough.
- Value good arguments over authorities, the source is irrelevant.
- Consider new technologies and contrarian ideas, not just the conventional wisdom.
- You may use high levels of speculation or prediction, just flag it.`, now)
}

// planPrompt asks for up to breadth search queries that expand on what
// is already known while explicitly avoiding already-visited queries.
// Follow-up questions proposed by the previous round's extraction are
// offered as candidate directions.
func planPrompt(originalQuery string, learnings []model.Learning, visited, followUps []string, breadth int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Given the following research topic from the user:\n<query>%s</query>\n\n", originalQuery)

	if len(learnings) > 0 {
		recent := learnings
		if len(recent) > recentLearningsInPrompt {
			recent = recent[len(recent)-recentLearningsInPrompt:]
		}
		b.WriteString("Here is what research has established so far:\n<learnings>\n")
		for _, l := range recent {
			fmt.Fprintf(&b, "- %s\n", l.Text)
		}
		b.WriteString("</learnings>\n\n")
	}

	if len(followUps) > 0 {
		b.WriteString("The previous round of research raised these follow-up questions, which you may draw on:\n<followUpQuestions>\n")
		for _, q := range followUps {
			fmt.Fprintf(&b, "- %s\n", q)
		}
		b.WriteString("</followUpQuestions>\n\n")
	}

	if len(visited) > 0 {
		b.WriteString("These queries have already been explored; do NOT repeat them or produce near-variants of them:\n<visited>\n")
		for _, q := range visited {
			fmt.Fprintf(&b, "- %s\n", q)
		}
		b.WriteString("</visited>\n\n")
	}

	fmt.Fprintf(&b, `Generate a list of at most %d web search queries to research the topic further. Make each query unique and not similar to the others.

Respond with ONLY a JSON array of objects, each with "query" and "researchGoal" string fields.`, breadth)
	return b.String()
}

// extractPrompt asks the model to turn raw search results into atomic
// learnings plus candidate follow-up questions.
func extractPrompt(subQuery, researchGoal string, results []websearch.Result) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Given the following contents from a web search for the query:\n<query>%s</query>\n\n", subQuery)
	if researchGoal != "" {
		fmt.Fprintf(&b, "Organize the searched information according to this goal:\n<researchGoal>\n%s\n</researchGoal>\n\n", researchGoal)
	}

	b.WriteString("<contents>")
	for _, r := range results {
		fmt.Fprintf(&b, "\n<content url=%q>\n%s\n</content>", r.URL, r.Content)
	}
	b.WriteString("\n</contents>\n\n")

	b.WriteString(`Think like a human researcher. Generate a list of learnings from the contents. Make each learning unique, to the point, and as detailed and information dense as possible. Include any entities like people, places, companies, products and things, as well as specific metrics, numbers, and dates when available. Also propose follow-up questions that would deepen the research.

Respond with ONLY a JSON object with two fields: "learnings" (array of strings) and "followUpQuestions" (array of strings).`)
	return b.String()
}

// reportPrompt asks for the final narrative report over every learning.
func reportPrompt(originalQuery string, learnings []model.Learning, requirement string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Given the following research topic from the user, write a final report using the learnings from research. Make it as detailed as possible, aim for 3 or more pages, and include ALL the learnings:\n<query>%s</query>\n\n", originalQuery)

	b.WriteString("Here are all the learnings from the research, ordered by the depth at which they were discovered:\n<learnings>\n")
	for _, l := range learnings {
		fmt.Fprintf(&b, "<learning>\n%s\n</learning>\n", l.Text)
	}
	b.WriteString("</learnings>\n")

	if len(learnings) > 0 {
		b.WriteString("\nSource URLs for citation:\n<sources>\n")
		for _, u := range collectSourceURLs(learnings) {
			fmt.Fprintf(&b, "- %s\n", u)
		}
		b.WriteString("</sources>\n")
	}

	if requirement != "" {
		fmt.Fprintf(&b, "\nWrite according to the user's writing requirements:\n<requirement>%s</requirement>\n", requirement)
	}

	b.WriteString("\nWrite this report like a human researcher. Use diverse presentation such as tables, formulas and diagrams in markdown syntax where helpful. DO NOT output anything other than the report.")
	return b.String()
}

func collectSourceURLs(learnings []model.Learning) []string {
	seen := make(map[string]struct{})
	var urls []string
	for _, l := range learnings {
		for _, u := range l.SourceURLs {
			if _, ok := seen[u]; ok {
				continue
			}
			seen[u] = struct{}{}
			urls = append(urls, u)
		}
	}
	return urls
}
