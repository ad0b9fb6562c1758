package orchestrator

import (
	"fmt"
	"path"
	"regexp"
	"sort"
	"strings"
	"time"
)

// NoTitleStem names artifacts whose entries carry no usable title.
const NoTitleStem = "no_title"

var (
	// Owner segments stay ASCII; title stems keep letters and digits of any script.
	unsafeOwnerChars = regexp.MustCompile(`[^A-Za-z0-9_-]+`)
	unsafeStemChars  = regexp.MustCompile(`[^\p{L}\p{M}\p{N}_-]+`)
)

// BuildEntries turns the tasks of a batch into renderer entries. Succeeded tasks use
// their stored result, failed tasks become placeholders, titled entries come first
// and each group keeps task order. The second return value lists succeeded tasks
// that have no stored result.
func BuildEntries(batch Batch, results []ExtractionResult) ([]Entry, []int) {
	byCorrelation := make(map[string]ExtractionResult, len(results))
	for _, r := range results {
		byCorrelation[r.CorrelationID] = r
	}

	entries := make([]Entry, 0, len(batch.Tasks))
	var missing []int
	for _, task := range batch.Tasks {
		switch task.State {
		case TaskSucceeded:
			res, ok := byCorrelation[task.CorrelationID]
			if !ok {
				missing = append(missing, task.Index)
				continue
			}
			entries = append(entries, entryFromResult(task, res))
		case TaskFailed:
			entries = append(entries, Entry{SourceURL: task.URL, Placeholder: true})
		}
	}
	OrderEntries(entries)
	return entries, missing
}

func entryFromResult(task UrlTask, res ExtractionResult) Entry {
	source := res.URL
	if source == "" {
		source = task.URL
	}
	return Entry{
		Title:     strings.TrimSpace(res.Title),
		Body:      res.Body,
		Summary:   res.Summary,
		Authors:   res.Authors,
		Keywords:  res.Keywords,
		Media:     res.Media,
		SourceURL: source,
		Timestamp: res.PublishedAt,
	}
}

// OrderEntries moves titled entries ahead of untitled ones, keeping relative order.
func OrderEntries(entries []Entry) {
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].HasTitle() && !entries[j].HasTitle()
	})
}

// ArtifactStem derives the filename stem from the first titled entry.
func ArtifactStem(entries []Entry) string {
	for _, e := range entries {
		if !e.HasTitle() {
			continue
		}
		words := strings.Fields(e.Title)
		if len(words) > 2 {
			words = words[:2]
		}
		stem := unsafeStemChars.ReplaceAllString(strings.Join(words, "_"), "")
		stem = strings.Trim(stem, "_")
		if stem == "" {
			return NoTitleStem
		}
		return stem
	}
	return NoTitleStem
}

// ArtifactKey builds <root>/<owner>/<kind folder>/<stem>_<unix millis><ext>.
func ArtifactKey(root, owner string, kind ArtifactKind, entries []Entry, at time.Time, ext string) string {
	owner = unsafeOwnerChars.ReplaceAllString(strings.TrimSpace(owner), "_")
	if owner == "" {
		owner = "unassigned"
	}
	if ext != "" && !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	filename := fmt.Sprintf("%s_%d%s", ArtifactStem(entries), at.UnixMilli(), ext)
	return path.Join(strings.Trim(root, "/"), owner, kind.Folder(), filename)
}

// CountEntries splits entries into real entries and placeholders.
func CountEntries(entries []Entry) (extracted, placeholders int) {
	for _, e := range entries {
		if e.Placeholder {
			placeholders++
		} else {
			extracted++
		}
	}
	return extracted, placeholders
}
