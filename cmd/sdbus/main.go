package main

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"slices"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/creachadair/command"
	"github.com/creachadair/flax"
	"github.com/kr/pretty"
	"github.com/sdbus-go/sdbus"
	"github.com/sdbus-go/sdbus/freedesktop/systemd1"
)

var globalArgs struct {
	UseSessionBus bool          `flag:"session,Connect to the session bus"`
	UseSystemBus  bool          `flag:"system,Connect to the system bus"`
	Timeout       time.Duration `flag:"timeout,default=25s,Time limit on each bus call"`
}

// busConn connects to the bus the flags selected, or to the process's
// default bus when neither was given.
func busConn(ctx context.Context) (*sdbus.Conn, error) {
	switch {
	case globalArgs.UseSessionBus && globalArgs.UseSystemBus:
		return nil, errors.New("--session and --system are mutually exclusive")
	case globalArgs.UseSessionBus:
		return sdbus.SessionBus(ctx)
	case globalArgs.UseSystemBus:
		return sdbus.SystemBus(ctx)
	}
	return sdbus.DefaultBus(ctx)
}

func main() {
	root := &command.C{
		Name:     "sdbus",
		Usage:    "command args...",
		Help:     "A message bus client: call methods and inspect their replies.",
		SetFlags: command.Flags(flax.MustBind, &globalArgs),
		Commands: []*command.C{
			{
				Name:  "call",
				Usage: "call destination path interface member [signature args...]",
				Help: `Call a method and print its reply.

The method's arguments, if any, are given as a type signature followed
by one command line argument per value:

  sdbus call org.freedesktop.DBus /org/freedesktop/DBus \
      org.freedesktop.DBus NameHasOwner s org.freedesktop.DBus

Each primitive type code in the signature consumes one argument. A
trailing "as" consumes all remaining arguments as an array of strings.
Other container types cannot be written on the command line.`,
				Run: runCall,
			},
			{
				Name:  "list-units",
				Usage: "list-units",
				Help:  "List the units systemd has loaded, like systemctl list-units.",
				Run:   command.Adapt(runListUnits),
			},
			{
				Name:  "ping",
				Usage: "ping destination",
				Help:  "Ping a bus name.",
				Run:   command.Adapt(runPing),
			},
			command.HelpCommand(nil),
			command.VersionCommand(),
		},
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	env := root.NewEnv(nil).SetContext(ctx)
	command.RunOrFail(env, os.Args[1:])
}

func runCall(env *command.Env) error {
	if len(env.Args) < 4 {
		return env.Usagef("call requires destination, path, interface and member")
	}
	dest, path, iface, member := env.Args[0], env.Args[1], env.Args[2], env.Args[3]

	conn, err := busConn(env.Context())
	if err != nil {
		return fmt.Errorf("connecting to bus: %w", err)
	}
	defer conn.Close()

	call, err := conn.NewMethodCall(dest, sdbus.ObjectPath(path), iface, member)
	if err != nil {
		return err
	}
	defer call.Close()

	if rest := env.Args[4:]; len(rest) > 0 {
		sig := rest[0]
		vs, err := parseArgs(sig, rest[1:])
		if err != nil {
			return err
		}
		if err := call.Append(sig, vs...); err != nil {
			return fmt.Errorf("building arguments: %w", err)
		}
	}

	ctx, cancel := context.WithTimeout(env.Context(), globalArgs.Timeout)
	defer cancel()
	reply, err := conn.Call(ctx, call)
	if err != nil {
		return err
	}
	defer reply.Close()

	body, err := readBody(reply)
	if err != nil {
		return fmt.Errorf("decoding reply with signature %q: %w", reply.Signature(), err)
	}
	for _, v := range body {
		fmt.Printf("%# v\n", pretty.Formatter(v))
	}
	return nil
}

func runListUnits(env *command.Env) error {
	conn, err := busConn(env.Context())
	if err != nil {
		return fmt.Errorf("connecting to bus: %w", err)
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(env.Context(), globalArgs.Timeout)
	defer cancel()
	units, err := systemd1.New(conn).ListUnits(ctx)
	if err != nil {
		return fmt.Errorf("listing units: %w", err)
	}
	slices.SortFunc(units, func(a, b systemd1.UnitStatus) int {
		return cmp.Compare(a.Name, b.Name)
	})

	tw := tabwriter.NewWriter(os.Stdout, 0, 8, 2, ' ', 0)
	fmt.Fprintln(tw, "UNIT\tLOAD\tACTIVE\tSUB\tDESCRIPTION")
	for _, u := range units {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", u.Name, u.LoadState, u.ActiveState, u.SubState, u.Description)
	}
	return tw.Flush()
}

func runPing(env *command.Env, peer string) error {
	conn, err := busConn(env.Context())
	if err != nil {
		return fmt.Errorf("connecting to bus: %w", err)
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(env.Context(), globalArgs.Timeout)
	defer cancel()
	if err := conn.Ping(ctx, peer); err != nil {
		return fmt.Errorf("pinging %s: %w", peer, err)
	}
	return nil
}
