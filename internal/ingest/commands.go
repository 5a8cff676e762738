package ingest

import (
	"regexp"
	"strings"

	"github.com/fcpbot/fcpbot/internal/types"
)

// CommandKind is a bot command recognised in a comment line
type CommandKind string

// Command kinds
const (
	CommandPropose    CommandKind = "propose"
	CommandCancel     CommandKind = "cancel"
	CommandPostpone   CommandKind = "postpone"
	CommandConcern    CommandKind = "concern"
	CommandResolve    CommandKind = "resolve"
	CommandReviewed   CommandKind = "reviewed"
	CommandUnreviewed CommandKind = "unreviewed"
)

// Command is one parsed "@bot ..." line of a comment
type Command struct {
	Kind        CommandKind
	Disposition types.Disposition // CommandPropose only
	Name        string            // CommandConcern and CommandResolve
	Line        int               // 1-based line in the comment body
}

// ParseCommands extracts bot commands from a comment body. A command is a
// line starting with @bot. Lines inside fenced code blocks and quoted
// lines are ignored so that quoting an earlier command does not repeat it.
//
//	@bot fcp merge|close|postpone|cancel   (the "fcp" is optional)
//	@bot concern <name>
//	@bot resolve <name>
//	@bot reviewed | unreviewed
func ParseCommands(body, bot string) []Command {
	mention := "@" + strings.ToLower(bot)
	var out []Command
	inFence := false
	for i, line := range strings.Split(body, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "```") || strings.HasPrefix(trimmed, "~~~") {
			inFence = !inFence
			continue
		}
		if inFence || strings.HasPrefix(trimmed, ">") {
			continue
		}
		if len(trimmed) <= len(mention) || !strings.EqualFold(trimmed[:len(mention)], mention) {
			continue
		}
		rest := trimmed[len(mention):]
		// "@fcpbotx" is someone else
		if rest[0] != ' ' && rest[0] != '\t' && rest[0] != ':' {
			continue
		}
		if cmd, ok := parseCommand(strings.TrimLeft(rest, ": \t")); ok {
			cmd.Line = i + 1
			out = append(out, cmd)
		}
	}
	return out
}

func parseCommand(s string) (Command, bool) {
	verb, arg, _ := strings.Cut(s, " ")
	verb = strings.ToLower(strings.TrimSpace(verb))
	arg = strings.TrimSpace(arg)

	if verb == "fcp" || verb == "pr" || verb == "f?" {
		verb, _, _ = strings.Cut(arg, " ")
		verb = strings.ToLower(strings.TrimSpace(verb))
		arg = ""
	}

	switch verb {
	case "merge", "merged", "merging":
		return Command{Kind: CommandPropose, Disposition: types.DispositionMerge}, true
	case "close", "closed", "closing":
		return Command{Kind: CommandPropose, Disposition: types.DispositionClose}, true
	case "postpone", "postponed", "postponing":
		return Command{Kind: CommandPostpone}, true
	case "cancel", "canceled", "cancelled", "canceling", "cancelling":
		return Command{Kind: CommandCancel}, true
	case "concern":
		if arg == "" {
			return Command{}, false
		}
		return Command{Kind: CommandConcern, Name: arg}, true
	case "resolve", "resolved":
		if arg == "" {
			return Command{}, false
		}
		return Command{Kind: CommandResolve, Name: arg}, true
	case "reviewed", "review", "reviewing":
		return Command{Kind: CommandReviewed}, true
	case "unreviewed", "unreview":
		return Command{Kind: CommandUnreviewed}, true
	}
	return Command{}, false
}

// checkedBoxPattern matches a ticked sign-off line of a status comment
var checkedBoxPattern = regexp.MustCompile(`^\s*[-*]\s*\[[xX]\]\s*@([A-Za-z0-9][A-Za-z0-9-]*)`)

// ParseCheckedBoxes returns the lower-cased logins whose box is ticked in a
// status comment.
func ParseCheckedBoxes(body string) []string {
	var out []string
	for _, line := range strings.Split(body, "\n") {
		if m := checkedBoxPattern.FindStringSubmatch(line); m != nil {
			out = append(out, strings.ToLower(m[1]))
		}
	}
	return out
}
