package command

import "strings"

// blockCommands escalate privileges. A single occurrence anywhere in a
// compound command makes the whole command BLOCK.
var blockCommands = map[string]bool{
	"sudo": true, "su": true, "doas": true, "pkexec": true, "runuser": true,
}

// approveCommands are destructive or reach the network.
var approveCommands = map[string]bool{
	"rm": true, "rmdir": true, "shred": true, "dd": true,
	"mkfs": true, "fdisk": true, "parted": true,
	"curl": true, "wget": true, "nc": true, "ncat": true, "netcat": true,
	"ssh": true, "scp": true, "sftp": true, "rsync": true, "ftp": true,
	"chown": true, "kill": true, "killall": true, "pkill": true,
	"truncate": true,
}

// reviewCommands mutate state in recoverable ways: package installs,
// workspace edits, interpreter invocations.
var reviewCommands = map[string]bool{
	"pip": true, "pip3": true, "npm": true, "npx": true, "yarn": true,
	"pnpm": true, "apt": true, "apt-get": true, "dnf": true, "yum": true,
	"pacman": true, "brew": true, "cargo": true, "gem": true, "go": true,
	"bundle": true, "poetry": true, "uv": true,
	"python": true, "python3": true, "node": true, "ruby": true,
	"perl": true, "bash": true, "sh": true, "zsh": true, "fish": true,
	"make": true, "cmake": true,
	"mv": true, "cp": true, "mkdir": true, "touch": true, "ln": true,
	"chmod": true, "tee": true, "sed": true, "patch": true, "tar": true,
	"unzip": true, "zip": true, "docker": true, "kubectl": true,
}

// freeCommands are read-only inspection.
var freeCommands = map[string]bool{
	"ls": true, "cat": true, "head": true, "tail": true, "less": true,
	"more": true, "grep": true, "rg": true, "egrep": true, "fgrep": true,
	"find": true, "fd": true, "pwd": true, "echo": true, "printf": true,
	"which": true, "whereis": true, "type": true, "file": true,
	"stat": true, "wc": true, "sort": true, "uniq": true, "cut": true,
	"tr": true, "diff": true, "cmp": true, "du": true, "df": true,
	"ps": true, "top": true, "uptime": true, "date": true, "cal": true,
	"env": true, "printenv": true, "whoami": true, "id": true,
	"hostname": true, "uname": true, "basename": true, "dirname": true,
	"realpath": true, "readlink": true, "md5sum": true, "sha256sum": true,
	"true": true, "false": true, "test": true, "sleep": true, "jq": true,
	"xxd": true, "hexdump": true, "strings": true, "tree": true,
}

// shellInterpreters are commands that execute whatever is piped into them.
var shellInterpreters = map[string]bool{
	"sh": true, "bash": true, "zsh": true, "fish": true, "dash": true, "ksh": true,
	"python": true, "python3": true, "perl": true, "ruby": true, "node": true,
	"xargs": true, "eval": true, "exec": true, "source": true,
}

// gitReadSubcommands are git operations with no side effects.
var gitReadSubcommands = map[string]bool{
	"status": true, "log": true, "diff": true, "show": true, "branch": true,
	"blame": true, "describe": true, "remote": true, "tag": true,
	"rev-parse": true, "ls-files": true, "shortlog": true, "reflog": true,
}

// gitApproveSubcommands reach remote repositories or destroy history.
var gitApproveSubcommands = map[string]bool{
	"push": true, "reset": true, "clean": true, "filter-branch": true,
}

// Classify returns the risk tier for a shell command string. It is pure
// and total: any input, including malformed shell syntax, yields a tier.
// Compound commands (";", "&&", "||", pipes) classify each sub-command and
// return the worst tier regardless of position. Command substitution
// bodies classify recursively, and output redirection is at least REVIEW.
func Classify(cmd string) Tier {
	worst := classifyCompound(cmd)

	// $(...) and `...` execute their bodies with the outer command's
	// privileges; the body's tier counts as much as the command's own.
	bodies, redirected := commandSubstitutions(cmd)
	for _, body := range bodies {
		if t := Classify(body); t > worst {
			worst = t
		}
	}
	// Redirection writes files no matter how harmless the command itself
	// is, so nothing redirecting output stays FREE.
	if redirected && worst < TierReview {
		worst = TierReview
	}
	return worst
}

// classifyCompound splits a command on shell operators and returns the
// worst segment tier.
func classifyCompound(cmd string) Tier {
	segments := splitCompound(cmd)

	worst := TierFree
	for i, seg := range segments {
		tier := classifySegment(seg.text)

		// Anything non-trivial piped into an interpreter executes
		// arbitrary content: at least APPROVE.
		if seg.piped && i > 0 {
			if base := baseCommand(seg.text); shellInterpreters[base] && tier < TierApprove {
				tier = TierApprove
			}
		}

		if tier > worst {
			worst = tier
		}
	}
	return worst
}

// classifySegment classifies a single sub-command.
func classifySegment(seg string) Tier {
	base := baseCommand(seg)
	if base == "" {
		return TierFree
	}

	switch {
	case blockCommands[base]:
		return TierBlock
	case base == "git":
		return classifyGit(seg)
	case approveCommands[base]:
		return TierApprove
	case reviewCommands[base]:
		return TierReview
	case freeCommands[base]:
		return TierFree
	default:
		// Unknown commands are not known to be read-only.
		return TierReview
	}
}

// classifyGit tiers git by subcommand: reads are FREE, remote-reaching and
// history-destroying operations APPROVE, everything else REVIEW.
func classifyGit(seg string) Tier {
	fields := commandFields(seg)
	sub := ""
	for _, f := range fields[1:] {
		if strings.HasPrefix(f, "-") {
			continue
		}
		sub = f
		break
	}

	switch {
	case sub == "":
		return TierFree
	case gitApproveSubcommands[sub]:
		return TierApprove
	case gitReadSubcommands[sub]:
		return TierFree
	default:
		return TierReview
	}
}

// segment is one sub-command of a compound command. piped is true when the
// segment receives the previous segment's stdout.
type segment struct {
	text  string
	piped bool
}

// splitCompound splits on ";", "&&", "||", and "|" while respecting single
// and double quotes. Operators inside quotes do not split.
func splitCompound(cmd string) []segment {
	var segments []segment
	var current strings.Builder
	inSingle, inDouble := false, false
	nextPiped := false

	flush := func(piped bool) {
		text := strings.TrimSpace(current.String())
		current.Reset()
		if text != "" {
			segments = append(segments, segment{text: text, piped: nextPiped})
		}
		nextPiped = piped
	}

	runes := []rune(cmd)
	for i := 0; i < len(runes); i++ {
		ch := runes[i]

		switch {
		case ch == '\'' && !inDouble:
			inSingle = !inSingle
			current.WriteRune(ch)
		case ch == '"' && !inSingle:
			inDouble = !inDouble
			current.WriteRune(ch)
		case inSingle || inDouble:
			current.WriteRune(ch)
		case ch == '&' && i+1 < len(runes) && runes[i+1] == '&':
			flush(false)
			i++
		case ch == '|' && i+1 < len(runes) && runes[i+1] == '|':
			flush(false)
			i++
		case ch == '|':
			flush(true)
		case ch == ';' || ch == '\n':
			flush(false)
		default:
			current.WriteRune(ch)
		}
	}
	flush(false)

	return segments
}

// commandSubstitutions extracts the bodies of $(...) and backtick command
// substitutions and reports whether the command redirects output. Single
// quotes suppress both; double quotes suppress redirection but leave
// substitution active, matching shell semantics.
func commandSubstitutions(cmd string) (bodies []string, redirected bool) {
	runes := []rune(cmd)
	inSingle, inDouble := false, false

	for i := 0; i < len(runes); i++ {
		ch := runes[i]
		switch {
		case ch == '\'' && !inDouble:
			inSingle = !inSingle
		case ch == '"' && !inSingle:
			inDouble = !inDouble
		case inSingle:
		case ch == '$' && i+1 < len(runes) && runes[i+1] == '(':
			body, end := matchParen(runes, i+2)
			bodies = append(bodies, body)
			i = end
		case ch == '`':
			j := i + 1
			for j < len(runes) && runes[j] != '`' {
				j++
			}
			bodies = append(bodies, string(runes[i+1:j]))
			i = j
		case ch == '>' && !inDouble:
			redirected = true
		}
	}
	return bodies, redirected
}

// matchParen returns the text from start up to the matching close paren
// and the index of that paren. An unterminated substitution runs to the
// end of the input.
func matchParen(runes []rune, start int) (string, int) {
	depth := 1
	for i := start; i < len(runes); i++ {
		switch runes[i] {
		case '(':
			depth++
		case ')':
			depth--
			if depth == 0 {
				return string(runes[start:i]), i
			}
		}
	}
	return string(runes[start:]), len(runes)
}

// baseCommand returns the first command word of a segment, skipping
// leading environment assignments (FOO=bar cmd) and stripping any path
// prefix (/usr/bin/sudo -> sudo).
func baseCommand(seg string) string {
	for _, word := range commandFields(seg) {
		if isEnvAssignment(word) {
			continue
		}
		if idx := strings.LastIndexByte(word, '/'); idx >= 0 {
			word = word[idx+1:]
		}
		return strings.ToLower(word)
	}
	return ""
}

// commandFields splits a segment into whitespace-separated fields.
func commandFields(seg string) []string {
	return strings.Fields(seg)
}

// isEnvAssignment reports whether a word is a KEY=value prefix.
func isEnvAssignment(word string) bool {
	idx := strings.IndexByte(word, '=')
	if idx <= 0 {
		return false
	}
	for _, ch := range word[:idx] {
		if ch != '_' && !('a' <= ch && ch <= 'z') && !('A' <= ch && ch <= 'Z') && !('0' <= ch && ch <= '9') {
			return false
		}
	}
	return true
}
