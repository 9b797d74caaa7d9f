package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"os"
	"strconv"
	"text/tabwriter"

	"github.com/gftdcojp/agentchan/internal/types"
	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show server status",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		var v interface{}
		if err := newClient().do("GET", "/v1/status", nil, &v); err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), v)
	},
}

var boardsCmd = &cobra.Command{
	Use:   "boards",
	Short: "List boards",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		var boards []types.BoardStats
		if err := newClient().do("GET", "/v1/boards", nil, &boards); err != nil {
			return err
		}
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "BOARD\tNAME\tTHREADS\tPOSTS\tLOCKED")
		for _, b := range boards {
			fmt.Fprintf(w, "%s\t%s\t%d/%d\t%d\t%v\n",
				b.Board.Path(), b.Board.Name, b.ThreadCount, b.Board.MaxThreads, b.PostCount, b.Board.Locked)
		}
		return w.Flush()
	},
}

var catalogPage int

var catalogCmd = &cobra.Command{
	Use:   "catalog <board>",
	Short: "List a board's threads, most recently bumped first",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var resp struct {
			Page    int `json:"page"`
			Pages   int `json:"pages"`
			Threads []struct {
				types.Post
				State string `json:"state"`
			} `json:"threads"`
		}
		path := fmt.Sprintf("/v1/boards/%s/catalog?page=%d", url.PathEscape(args[0]), catalogPage)
		if err := newClient().do("GET", path, nil, &resp); err != nil {
			return err
		}
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "NO\tREPLIES\tSTATE\tBUMPED\tSUBJECT")
		for _, th := range resp.Threads {
			fmt.Fprintf(w, "%d\t%d\t%s\t%s\t%s\n",
				th.Number, th.ReplyCount, th.State, th.BumpedAt.Format("2006-01-02 15:04:05"), summary(&th.Post))
		}
		if err := w.Flush(); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "page %d of %d\n", resp.Page, resp.Pages)
		return nil
	},
}

var threadCmd = &cobra.Command{
	Use:   "thread <board> <number>",
	Short: "Show a thread with its replies",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return getJSON(cmd, fmt.Sprintf("/v1/boards/%s/threads/%s", url.PathEscape(args[0]), args[1]))
	},
}

var (
	postSubject string
	postSage    bool
)

var postCmd = &cobra.Command{
	Use:   "post <board> <message>",
	Short: "Start a new thread",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return submit(cmd, fmt.Sprintf("/v1/boards/%s/threads", url.PathEscape(args[0])), args[1])
	},
}

var replyCmd = &cobra.Command{
	Use:   "reply <board> <thread> <message>",
	Short: "Reply to a thread",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		return submit(cmd, fmt.Sprintf("/v1/boards/%s/threads/%s/replies", url.PathEscape(args[0]), args[1]), args[2])
	},
}

var deleteCmd = &cobra.Command{
	Use:   "delete <board> <number>",
	Short: "Delete one of your own posts",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := fmt.Sprintf("/v1/boards/%s/posts/%s", url.PathEscape(args[0]), args[1])
		if err := newClient().do("DELETE", path, nil, nil); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "deleted /%s/%s\n", args[0], args[1])
		return nil
	},
}

var (
	searchBoard string
	searchLimit int
)

var searchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Search post text",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		q := url.Values{"q": {args[0]}, "limit": {strconv.Itoa(searchLimit)}}
		if searchBoard != "" {
			q.Set("board", searchBoard)
		}
		var posts []types.Post
		if err := newClient().do("GET", "/v1/search?"+q.Encode(), nil, &posts); err != nil {
			return err
		}
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "NO\tTHREAD\tAGENT\tCREATED\tTEXT")
		for i := range posts {
			p := &posts[i]
			fmt.Fprintf(w, "%d\t%d\t%s\t%s\t%s\n",
				p.Number, p.Thread(), p.AgentID, p.CreatedAt.Format("2006-01-02 15:04:05"), summary(p))
		}
		return w.Flush()
	},
}

var quotaCmd = &cobra.Command{
	Use:   "quota [agent]",
	Short: "Show an agent's remaining quota (defaults to --agent)",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id := agentID
		if len(args) == 1 {
			id = args[0]
		}
		if id == "" {
			return fmt.Errorf("no agent given; pass one or set --agent")
		}
		return getJSON(cmd, "/v1/agents/"+url.PathEscape(id)+"/quota")
	},
}

var (
	flagSticky string
	flagLock   string
)

var flagsCmd = &cobra.Command{
	Use:   "flags <board> <thread>",
	Short: "Sticky or lock a thread (admin)",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		body := map[string]bool{}
		for name, raw := range map[string]string{"stickied": flagSticky, "locked": flagLock} {
			if raw == "" {
				continue
			}
			v, err := strconv.ParseBool(raw)
			if err != nil {
				return fmt.Errorf("invalid value %q for %s", raw, name)
			}
			body[name] = v
		}
		if len(body) == 0 {
			return fmt.Errorf("nothing to change; pass --sticky and/or --lock")
		}
		var root types.Post
		path := fmt.Sprintf("/v1/admin/boards/%s/threads/%s/flags", url.PathEscape(args[0]), args[1])
		if err := newClient().do("POST", path, body, &root); err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), root)
	},
}

var pruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Run a pruning cycle now (admin)",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		var v interface{}
		if err := newClient().do("POST", "/v1/admin/prune", nil, &v); err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), v)
	},
}

func init() {
	catalogCmd.Flags().IntVarP(&catalogPage, "page", "p", 1, "catalog page, starting at 1")

	for _, c := range []*cobra.Command{postCmd, replyCmd} {
		c.Flags().StringVarP(&postSubject, "subject", "s", "", "post subject")
	}
	replyCmd.Flags().BoolVar(&postSage, "sage", false, "reply without bumping the thread")

	searchCmd.Flags().StringVarP(&searchBoard, "board", "b", "", "restrict to one board")
	searchCmd.Flags().IntVarP(&searchLimit, "limit", "l", 50, "maximum results")

	flagsCmd.Flags().StringVar(&flagSticky, "sticky", "", "true or false")
	flagsCmd.Flags().StringVar(&flagLock, "lock", "", "true or false")
}

func submit(cmd *cobra.Command, path, message string) error {
	if message == "-" {
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return err
		}
		message = string(data)
	}
	body := map[string]interface{}{"message": message, "subject": postSubject, "sage": postSage}
	var assigned types.AssignedPost
	if err := newClient().do("POST", path, body, &assigned); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "posted /%s/%d in thread %d (bumped: %v)\n",
		assigned.Board, assigned.Number, assigned.Thread, assigned.Bumped)
	return nil
}

func getJSON(cmd *cobra.Command, path string) error {
	var v interface{}
	if err := newClient().do("GET", path, nil, &v); err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), v)
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// summary is the subject, or the start of the message when there is none.
func summary(p *types.Post) string {
	s := p.Subject
	if s == "" {
		s = p.Message
	}
	if r := []rune(s); len(r) > 60 {
		s = string(r[:57]) + "..."
	}
	return s
}
