package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"raftkv/internal/kv"
	"raftkv/internal/raft/proto"
)

const usage = `Usage: kvctl [flags] <command> [args]

Commands:
  put <key> <value>     set key to value
  append <key> <value>  append value to key
  get <key>             print the value of key
  status                print the consensus state of every server

Flags:
`

func main() {
	servers := flag.String("servers", "localhost:50051,localhost:50052,localhost:50053", "Comma separated server addresses")
	timeout := flag.Duration("timeout", 10*time.Second, "How long to keep retrying a command")
	flag.Usage = func() {
		fmt.Fprint(flag.CommandLine.Output(), usage)
		flag.PrintDefaults()
	}
	flag.Parse()

	clerk, err := kv.NewClerk(strings.Split(*servers, ","))
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer clerk.Close()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	if err := run(ctx, clerk, flag.Args(), os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, err)
		if errors.Is(err, errUsage) {
			flag.Usage()
			os.Exit(2)
		}
		os.Exit(1)
	}
}

var errUsage = errors.New("invalid command")

// client is the part of kv.Clerk used by the commands
type client interface {
	Put(ctx context.Context, key, value string) error
	Append(ctx context.Context, key, value string) error
	Get(ctx context.Context, key string) (string, error)
	Status(ctx context.Context) []*proto.StatusResponse
}

func run(ctx context.Context, c client, args []string, out io.Writer) error {
	if len(args) == 0 {
		return errUsage
	}
	switch cmd, args := args[0], args[1:]; {
	case cmd == "put" && len(args) == 2:
		return c.Put(ctx, args[0], args[1])
	case cmd == "append" && len(args) == 2:
		return c.Append(ctx, args[0], args[1])
	case cmd == "get" && len(args) == 1:
		value, err := c.Get(ctx, args[0])
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(out, value)
		return err
	case cmd == "status" && len(args) == 0:
		return printStatus(out, c.Status(ctx))
	default:
		return fmt.Errorf("%w: %s", errUsage, strings.Join(append([]string{cmd}, args...), " "))
	}
}

func printStatus(out io.Writer, statuses []*proto.StatusResponse) error {
	if len(statuses) == 0 {
		return errors.New("no server reachable")
	}
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTATE\tTERM\tLEADER\tCOMMIT\tAPPLIED\tLAST LOG")
	for _, st := range statuses {
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%d\t%d\t%d\n",
			st.Id, st.State, st.Term, st.LeaderId, st.CommitIndex, st.LastApplied, st.LastLogIndex)
	}
	return w.Flush()
}
