package autoclose

import (
	"regexp"
	"strings"
)

const (
	// SummaryHeader는 태스크 input에 요약을 덧붙일 때 쓰는 구분자입니다.
	SummaryHeader = "\n\n---\n**Session Summary**\n"
	// NoOutputPlaceholder는 캡처된 출력이 없을 때의 요약입니다.
	NoOutputPlaceholder = "(no output captured)"

	maxSummaryLines = 10
)

var (
	errorLine   = regexp.MustCompile(`(?i)\b(error|errors|failed|failure|fatal|panic|exception|traceback)\b`)
	successLine = regexp.MustCompile(`(?i)\b(success|successful|successfully|passed|completed|done|result|results|summary)\b|✓|✔`)
)

// Summarize는 세션 출력에서 짧은 요약을 뽑습니다.
// 에러 줄이 있으면 에러 줄, 없으면 성공/결과 줄, 둘 다 없으면 마지막 10줄을 사용합니다.
func Summarize(output string) string {
	lines := nonEmptyLines(output)
	if len(lines) == 0 {
		return NoOutputPlaceholder
	}
	if matched := matching(lines, errorLine); len(matched) > 0 {
		return strings.Join(tail(matched), "\n")
	}
	if matched := matching(lines, successLine); len(matched) > 0 {
		return strings.Join(tail(matched), "\n")
	}
	return strings.Join(tail(lines), "\n")
}

func nonEmptyLines(output string) []string {
	raw := strings.Split(strings.ReplaceAll(output, "\r\n", "\n"), "\n")
	lines := make([]string, 0, len(raw))
	for _, l := range raw {
		l = strings.TrimRight(l, " \t")
		if strings.TrimSpace(l) != "" {
			lines = append(lines, l)
		}
	}
	return lines
}

func matching(lines []string, re *regexp.Regexp) []string {
	var out []string
	for _, l := range lines {
		if re.MatchString(l) {
			out = append(out, l)
		}
	}
	return out
}

func tail(lines []string) []string {
	if len(lines) > maxSummaryLines {
		return lines[len(lines)-maxSummaryLines:]
	}
	return lines
}
