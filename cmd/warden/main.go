// Command warden is a command-line client for the Warden workload
// supervisor.
package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"time"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/wardend/warden-go/client"
)

func main() {
	app := &cli.App{
		Name:  "warden",
		Usage: "client for the warden workload supervisor",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "socket",
				Usage:   "Path of the supervisor's unix socket.",
				Value:   client.DefaultSocket,
				EnvVars: []string{"WARDEN_SOCKET"},
			},
			&cli.BoolFlag{
				Name:  "verbose",
				Usage: "Enable debug logging.",
			},
		},
		Commands: []*cli.Command{
			versionCommand(),
			execCommand(),
			pushCommand(),
			pullCommand(),
			lsCommand(),
			mkdirCommand(),
			rmCommand(),
			planCommand(),
			addLayerCommand(),
			servicesCommand("start"),
			servicesCommand("stop"),
			servicesCommand("restart"),
			signalCommand(),
			changesCommand(),
		},
	}
	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func newClient(cctx *cli.Context) (*client.Client, error) {
	opts := []client.ClientOption{}
	if cctx.Bool("verbose") {
		logger, err := zap.NewDevelopment()
		if err != nil {
			return nil, err
		}
		opts = append(opts, client.WithLogger(logger))
	}
	return client.New(&client.Config{Socket: cctx.String("socket")}, opts...)
}

func versionCommand() *cli.Command {
	return &cli.Command{
		Name:  "version",
		Usage: "Show the supervisor's version.",
		Action: func(cctx *cli.Context) error {
			c, err := newClient(cctx)
			if err != nil {
				return err
			}
			info, err := c.SysInfo(cctx.Context)
			if err != nil {
				return err
			}
			fmt.Println(info.Version)
			return nil
		},
	}
}

func execCommand() *cli.Command {
	return &cli.Command{
		Name:      "exec",
		Usage:     "Run a command on the remote system with live I/O.",
		ArgsUsage: "COMMAND [ARGS...]",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "working-dir", Usage: "Working directory for the command."},
			&cli.DurationFlag{Name: "timeout", Usage: "Server-side command timeout."},
			&cli.StringFlag{Name: "user", Usage: "User to run the command as."},
			&cli.BoolFlag{Name: "combine-stderr", Usage: "Merge stderr into stdout."},
		},
		Action: func(cctx *cli.Context) error {
			if cctx.NArg() == 0 {
				return fmt.Errorf("exec requires a command")
			}
			c, err := newClient(cctx)
			if err != nil {
				return err
			}
			opts := &client.ExecOptions{
				Command:       cctx.Args().Slice(),
				WorkingDir:    cctx.String("working-dir"),
				Timeout:       cctx.Duration("timeout"),
				User:          cctx.String("user"),
				CombineStderr: cctx.Bool("combine-stderr"),
				Stdin:         os.Stdin,
				Stdout:        os.Stdout,
			}
			if !opts.CombineStderr {
				opts.Stderr = os.Stderr
			}
			process, err := c.Exec(cctx.Context, opts)
			if err != nil {
				return err
			}
			err = process.Wait()
			if execErr, ok := err.(*client.ExecError); ok {
				os.Exit(execErr.ExitCode)
			}
			return err
		},
	}
}

func pushCommand() *cli.Command {
	return &cli.Command{
		Name:      "push",
		Usage:     "Copy a local file to the remote system.",
		ArgsUsage: "LOCAL REMOTE",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "make-dirs", Aliases: []string{"p"}, Usage: "Create parent directories."},
		},
		Action: func(cctx *cli.Context) error {
			if cctx.NArg() != 2 {
				return fmt.Errorf("push requires LOCAL and REMOTE paths")
			}
			c, err := newClient(cctx)
			if err != nil {
				return err
			}
			f, err := os.Open(cctx.Args().Get(0))
			if err != nil {
				return err
			}
			defer f.Close()
			return c.Push(cctx.Context, &client.PushOptions{
				Path:     cctx.Args().Get(1),
				Source:   f,
				MakeDirs: cctx.Bool("make-dirs"),
			})
		},
	}
}

func pullCommand() *cli.Command {
	return &cli.Command{
		Name:      "pull",
		Usage:     "Copy a remote file to the local system.",
		ArgsUsage: "REMOTE [LOCAL]",
		Action: func(cctx *cli.Context) error {
			if cctx.NArg() < 1 {
				return fmt.Errorf("pull requires a REMOTE path")
			}
			c, err := newClient(cctx)
			if err != nil {
				return err
			}
			var target io.Writer = os.Stdout
			if cctx.NArg() > 1 {
				f, err := os.Create(cctx.Args().Get(1))
				if err != nil {
					return err
				}
				defer f.Close()
				target = f
			}
			return c.Pull(cctx.Context, &client.PullOptions{
				Path:   cctx.Args().Get(0),
				Target: target,
			})
		},
	}
}

func lsCommand() *cli.Command {
	return &cli.Command{
		Name:      "ls",
		Usage:     "List remote files.",
		ArgsUsage: "PATH",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "pattern", Usage: "Only list entries matching a glob pattern."},
			&cli.BoolFlag{Name: "directory", Aliases: []string{"d"}, Usage: "List the directory itself, not its contents."},
		},
		Action: func(cctx *cli.Context) error {
			if cctx.NArg() != 1 {
				return fmt.Errorf("ls requires a PATH")
			}
			c, err := newClient(cctx)
			if err != nil {
				return err
			}
			infos, err := c.ListFiles(cctx.Context, &client.ListFilesOptions{
				Path:    cctx.Args().Get(0),
				Pattern: cctx.String("pattern"),
				Itself:  cctx.Bool("directory"),
			})
			if err != nil {
				return err
			}
			for _, info := range infos {
				fmt.Printf("%s %10d %s %s\n",
					info.Permissions, info.Size,
					info.LastModified.Format(time.RFC3339), info.Path)
			}
			return nil
		},
	}
}

func mkdirCommand() *cli.Command {
	return &cli.Command{
		Name:      "mkdir",
		Usage:     "Create a remote directory.",
		ArgsUsage: "PATH",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "parents", Aliases: []string{"p"}, Usage: "Create missing parents."},
		},
		Action: func(cctx *cli.Context) error {
			if cctx.NArg() != 1 {
				return fmt.Errorf("mkdir requires a PATH")
			}
			c, err := newClient(cctx)
			if err != nil {
				return err
			}
			return c.MakeDir(cctx.Context, &client.MakeDirOptions{
				Path:        cctx.Args().Get(0),
				MakeParents: cctx.Bool("parents"),
			})
		},
	}
}

func rmCommand() *cli.Command {
	return &cli.Command{
		Name:      "rm",
		Usage:     "Remove a remote file or directory.",
		ArgsUsage: "PATH",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "recursive", Aliases: []string{"r"}, Usage: "Remove directories recursively."},
		},
		Action: func(cctx *cli.Context) error {
			if cctx.NArg() != 1 {
				return fmt.Errorf("rm requires a PATH")
			}
			c, err := newClient(cctx)
			if err != nil {
				return err
			}
			return c.Remove(cctx.Context, &client.RemoveOptions{
				Path:      cctx.Args().Get(0),
				Recursive: cctx.Bool("recursive"),
			})
		},
	}
}

func planCommand() *cli.Command {
	return &cli.Command{
		Name:  "plan",
		Usage: "Show the supervisor's combined plan.",
		Action: func(cctx *cli.Context) error {
			c, err := newClient(cctx)
			if err != nil {
				return err
			}
			data, err := c.PlanBytes(cctx.Context)
			if err != nil {
				return err
			}
			os.Stdout.Write(data)
			return nil
		},
	}
}

func addLayerCommand() *cli.Command {
	return &cli.Command{
		Name:      "add-layer",
		Usage:     "Add a configuration layer from a YAML file.",
		ArgsUsage: "LABEL FILE",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "combine", Usage: "Combine with an existing layer of the same label."},
		},
		Action: func(cctx *cli.Context) error {
			if cctx.NArg() != 2 {
				return fmt.Errorf("add-layer requires LABEL and FILE")
			}
			c, err := newClient(cctx)
			if err != nil {
				return err
			}
			data, err := os.ReadFile(cctx.Args().Get(1))
			if err != nil {
				return err
			}
			return c.AddLayer(cctx.Context, &client.AddLayerOptions{
				Combine:   cctx.Bool("combine"),
				Label:     cctx.Args().Get(0),
				LayerData: data,
			})
		},
	}
}

func servicesCommand(action string) *cli.Command {
	return &cli.Command{
		Name:      action,
		Usage:     strings.ToUpper(action[:1]) + action[1:] + " the named services and wait for completion.",
		ArgsUsage: "SERVICE...",
		Action: func(cctx *cli.Context) error {
			if cctx.NArg() == 0 {
				return fmt.Errorf("%s requires at least one service", action)
			}
			c, err := newClient(cctx)
			if err != nil {
				return err
			}
			var changeID client.ChangeID
			switch action {
			case "start":
				changeID, err = c.Start(cctx.Context, cctx.Args().Slice())
			case "stop":
				changeID, err = c.Stop(cctx.Context, cctx.Args().Slice())
			case "restart":
				changeID, err = c.Restart(cctx.Context, cctx.Args().Slice())
			}
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cctx.Context, 5*time.Minute)
			defer cancel()
			_, err = c.WaitChange(ctx, changeID, nil)
			return err
		},
	}
}

func signalCommand() *cli.Command {
	return &cli.Command{
		Name:      "signal",
		Usage:     "Send a signal to the named services.",
		ArgsUsage: "SIGNAL SERVICE...",
		Action: func(cctx *cli.Context) error {
			if cctx.NArg() < 2 {
				return fmt.Errorf("signal requires SIGNAL and at least one service")
			}
			c, err := newClient(cctx)
			if err != nil {
				return err
			}
			return c.SendSignal(cctx.Context, cctx.Args().Get(0), cctx.Args().Slice()[1:])
		},
	}
}

func changesCommand() *cli.Command {
	return &cli.Command{
		Name:  "changes",
		Usage: "List recent changes.",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "select", Usage: "One of [all,in-progress,ready].", Value: "all"},
		},
		Action: func(cctx *cli.Context) error {
			c, err := newClient(cctx)
			if err != nil {
				return err
			}
			changes, err := c.Changes(cctx.Context, &client.ChangesOptions{
				Selector: client.ChangeSelector(cctx.String("select")),
			})
			if err != nil {
				return err
			}
			for _, chg := range changes {
				status := chg.Status
				if chg.Err != "" {
					status += " (" + chg.Err + ")"
				}
				fmt.Printf("%s  %-8s %-10s %s\n", chg.ID, chg.Kind, status, chg.Summary)
			}
			return nil
		},
	}
}
