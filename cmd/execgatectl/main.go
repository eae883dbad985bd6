// Command execgatectl talks to a running execgate-server: it can act as a
// minimal policy daemon, send single daemon commands, play the hook, or read
// the audit history.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/BrandonDHaskell/execgate/internal/config"
	"github.com/BrandonDHaskell/execgate/internal/db"
	"github.com/BrandonDHaskell/execgate/internal/execgate/service"
	sqlitestore "github.com/BrandonDHaskell/execgate/internal/execgate/store/sqlite"
	"github.com/BrandonDHaskell/execgate/internal/execgate/types"
	"github.com/BrandonDHaskell/execgate/internal/rpcapi"
)

const usage = `usage: execgatectl [--socket PATH] <command> [args]

commands:
  watch [--auto allow|deny]   connect as the daemon and print events
  allow <file-id>             report Allow for a file identity
  deny <file-id>              report Deny for a file identity
  clear                       clear the decision cache
  count                       print the number of cached decisions
  check <file-id>             ask the gate for a verdict as the hook would
  history <file-id>           print audit records from the database
`

var selectors = map[string]service.Selector{
	"allow": service.SelectorAllowBinary,
	"deny":  service.SelectorDenyBinary,
	"clear": service.SelectorClearCache,
	"count": service.SelectorCacheCount,
}

func main() {
	global := pflag.NewFlagSet("execgatectl", pflag.ExitOnError)
	global.SetInterspersed(false)
	socket := global.String("socket", config.DefaultSocketPath, "server unix socket")
	global.Usage = func() { fmt.Fprint(os.Stderr, usage) }
	_ = global.Parse(os.Args[1:])

	args := global.Args()
	if len(args) == 0 {
		global.Usage()
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, *socket, args[0], args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "execgatectl %s: %v\n", args[0], err)
		os.Exit(1)
	}
}

func run(ctx context.Context, socket, name string, args []string) error {
	if name == "history" {
		return history(ctx, args)
	}

	conn, err := rpcapi.Dial(socket)
	if err != nil {
		return err
	}
	defer conn.Close()
	client := rpcapi.NewClient(conn)

	switch name {
	case "watch":
		return watch(ctx, client, args)
	case "check":
		return check(ctx, client, args)
	}

	sel, ok := selectors[name]
	if !ok {
		return fmt.Errorf("%w: %q", service.ErrUnknownCommand, name)
	}
	scalars := make([]uint64, 0, len(args))
	for _, a := range args {
		id, err := types.ParseFileIdentity(a)
		if err != nil {
			return err
		}
		scalars = append(scalars, uint64(id))
	}
	cmd, err := service.DecodeCommand(sel, scalars)
	if err != nil {
		return err
	}

	sess, err := client.Connect(ctx)
	if err != nil {
		if errors.Is(err, service.ErrSessionActive) {
			return fmt.Errorf("%w (stop the running daemon first)", err)
		}
		return err
	}
	defer sess.Close()

	res, err := sess.Do(ctx, cmd)
	if err != nil {
		return err
	}
	if _, isCount := cmd.(service.CacheCount); isCount {
		fmt.Println(res.Count)
	}
	return nil
}

type eventLine struct {
	Seq     uint64                `json:"seq"`
	FileID  string                `json:"file_id"`
	Process types.ProcessMetadata `json:"process"`
}

func watch(ctx context.Context, client *rpcapi.Client, args []string) error {
	fs := pflag.NewFlagSet("watch", pflag.ContinueOnError)
	auto := fs.String("auto", "", "answer every event with allow or deny")
	if err := fs.Parse(args); err != nil {
		return err
	}
	var verdict types.Verdict
	if *auto != "" {
		v, err := types.ParseVerdict(*auto)
		if err != nil {
			return err
		}
		verdict = v
	}

	sess, err := client.Connect(ctx)
	if err != nil {
		return err
	}
	defer sess.Close()
	fmt.Fprintf(os.Stderr, "session %s\n", sess.ID)

	go func() {
		<-ctx.Done()
		sess.Close()
	}()

	enc := json.NewEncoder(os.Stdout)
	for {
		ev, err := sess.Next()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		_ = enc.Encode(eventLine{Seq: ev.Seq, FileID: ev.ID.String(), Process: ev.Process})

		var cmd service.Command
		switch verdict {
		case types.VerdictAllow:
			cmd = service.AllowBinary{ID: ev.ID}
		case types.VerdictDeny:
			cmd = service.DenyBinary{ID: ev.ID}
		default:
			continue
		}
		if _, err := sess.Do(ctx, cmd); err != nil {
			return err
		}
	}
}

func check(ctx context.Context, client *rpcapi.Client, args []string) error {
	fs := pflag.NewFlagSet("check", pflag.ContinueOnError)
	pid := fs.Int32("pid", int32(os.Getpid()), "process id to report")
	path := fs.String("path", "", "executable path to report")
	timeout := fs.Duration("timeout", 0, "wait budget (0 uses the server default)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("%w: want exactly one file id", service.ErrBadArguments)
	}
	id, err := types.ParseFileIdentity(fs.Arg(0))
	if err != nil {
		return err
	}

	d, err := client.Authorize(ctx, types.AuthorizationRequest{
		ID: id,
		Process: types.ProcessMetadata{
			PID:  *pid,
			PPID: int32(os.Getppid()),
			UID:  uint32(os.Getuid()),
			GID:  uint32(os.Getgid()),
			Path: *path,
		},
		Timeout: *timeout,
	})
	if err != nil {
		return err
	}
	fmt.Printf("%s (%s)\n", d.Verdict, d.Source)
	return nil
}

func history(ctx context.Context, args []string) error {
	fs := pflag.NewFlagSet("history", pflag.ContinueOnError)
	dbPath := fs.String("db", config.DefaultDBPath, "audit database path")
	limit := fs.Int("limit", 20, "maximum records")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("%w: want exactly one file id", service.ErrBadArguments)
	}
	id, err := types.ParseFileIdentity(fs.Arg(0))
	if err != nil {
		return err
	}

	conn, err := db.Open(ctx, db.Config{Path: *dbPath, ReadOnly: true})
	if err != nil {
		return err
	}
	defer conn.Close()
	w := db.NewWriter(conn, 1)
	defer w.Close()

	recs, err := sqlitestore.NewDecisionEventStore(conn, w).RecentForFile(ctx, id, *limit)
	if err != nil {
		return err
	}
	for _, r := range recs {
		fmt.Printf("%s  %-5s %-12s pid=%-6d wait=%-10s session=%s %s\n",
			r.DecidedAt.Format(time.RFC3339), r.Verdict, r.Source,
			r.Process.PID, r.Wait, r.SessionID, r.Process.Path)
	}
	return nil
}
