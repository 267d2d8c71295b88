package trends

import (
	"sort"

	"github.com/jmo-sec/jmo/internal/gitctx"
	"github.com/jmo-sec/jmo/internal/history"
)

// blameFunc blames one file and returns per-line authors; swapped in tests.
type blameFunc func(repoDir, path string) map[int]string

// AuthorCount is one developer's share of the attributed findings.
type AuthorCount struct {
	Author string `json:"author"`
	Team   string `json:"team,omitempty"`
	Count  int    `json:"count"`
}

// Attribution maps findings to the developers who last touched the flagged
// lines.
type Attribution struct {
	ByAuthor     []AuthorCount `json:"by_author"`
	ByTeam       map[string]int `json:"by_team,omitempty"`
	Unattributed int            `json:"unattributed"`
}

// AttributeFindings maps findings to the developers who last touched the
// flagged lines, blaming each file once no matter how many findings point
// at it. Blame failures count as unattributed rather than failing the
// analysis.
func AttributeFindings(repoDir string, findings []history.FindingRecord, teams map[string]string) *Attribution {
	return attributeFindings(repoDir, findings, teams, gitctx.BlameFile)
}

func attributeFindings(repoDir string, findings []history.FindingRecord, teams map[string]string, blame blameFunc) *Attribution {
	attribution := &Attribution{ByTeam: map[string]int{}}
	counts := map[string]int{}

	byPath := map[string][]history.FindingRecord{}
	for _, f := range findings {
		byPath[f.Path] = append(byPath[f.Path], f)
	}

	for path, group := range byPath {
		authors := blame(repoDir, path)
		for _, f := range group {
			line := f.StartLine
			if line <= 0 {
				line = 1
			}
			author := authors[line]
			if author == "" {
				attribution.Unattributed++
				continue
			}
			counts[author]++
			if team, ok := teams[author]; ok {
				attribution.ByTeam[team]++
			}
		}
	}

	for author, count := range counts {
		attribution.ByAuthor = append(attribution.ByAuthor, AuthorCount{
			Author: author,
			Team:   teams[author],
			Count:  count,
		})
	}
	sort.Slice(attribution.ByAuthor, func(i, j int) bool {
		a, b := attribution.ByAuthor[i], attribution.ByAuthor[j]
		if a.Count != b.Count {
			return a.Count > b.Count
		}
		return a.Author < b.Author
	})
	if len(attribution.ByTeam) == 0 {
		attribution.ByTeam = nil
	}
	return attribution
}
