package queue

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/ChuLiYu/molequeue/pkg/types"
)

// leftoverKeyword matches a $$token$$ (or $$$token$$$) nobody replaced.
var leftoverKeyword = regexp.MustCompile(`[^$]?(\${2,3}[^$\s]+\${2,3})[^$]?`)

// FormatWallTime renders minutes as HH:MM:SS.
func FormatWallTime(minutes int) string {
	return fmt.Sprintf("%02d:%02d:00", minutes/60, minutes%60)
}

// ReplaceKeywords substitutes the job's $$keywords$$ into script.
// defaultWallTime (minutes) is used when the job does not set one.
// Tokens left over afterwards are removed and logged.
func ReplaceKeywords(script string, job types.Job, defaultWallTime int, addNewline bool) string {
	wallTime := job.MaxWallTime
	if wallTime <= 0 {
		wallTime = defaultWallTime
	}

	r := strings.NewReplacer(
		"$$moleQueueId$$", strconv.FormatUint(job.MoleQueueID, 10),
		"$$numberOfCores$$", strconv.Itoa(job.NumberOfCores),
		"$$maxWallTime$$", FormatWallTime(wallTime),
	)
	script = r.Replace(script)

	if job.InputFile.Valid() {
		script = strings.ReplaceAll(script, "$$inputFileName$$", job.InputFile.Name())
		script = strings.ReplaceAll(script, "$$inputFileBaseName$$", job.InputFile.BaseName())
	}

	keys := make([]string, 0, len(job.Keywords))
	for k := range job.Keywords {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		script = strings.ReplaceAll(script, k, job.Keywords[k])
	}

	for {
		m := leftoverKeyword.FindStringSubmatch(script)
		if m == nil {
			break
		}
		log.Warn("unhandled keyword in launch script, removing",
			"keyword", m[1], "moleQueueId", job.MoleQueueID)
		script = strings.ReplaceAll(script, m[1], "")
	}

	if addNewline && script != "" && !strings.HasSuffix(script, "\n") {
		script += "\n"
	}
	return script
}
