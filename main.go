package main

import (
	"bufio"
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/knadh/koanf"
	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	flag "github.com/spf13/pflag"

	"github.com/Hydoc/estimation-poker/internal/directory"
	"github.com/Hydoc/estimation-poker/internal/session"
	"github.com/Hydoc/estimation-poker/internal/transport"
	"github.com/Hydoc/estimation-poker/internal/wire"
)

var (
	logger = log.New(os.Stdout, "", log.Ldate|log.Ltime|log.Lshortfile)
	ko     = koanf.New(".")

	// Version of the build injected at build time.
	buildString = "unknown"
)

// App is the global app context that's passed around.
type App struct {
	sess   *session.Session
	dir    *directory.Client
	cfg    *Config
	logger *log.Logger
}

func loadConfig() {
	// Register --help handler.
	f := flag.NewFlagSet("config", flag.ContinueOnError)
	f.Usage = func() {
		fmt.Println(f.FlagUsages())
		os.Exit(0)
	}
	f.StringSlice("config", []string{"config.toml"},
		"Path to one or more TOML config files to load in order")
	f.String("server", "", "Root URL of the estimation server")
	f.String("room", "", "Room to join")
	f.String("name", "", "Name to join as")
	f.String("role", string(wire.RoleDeveloper), "Role to join as (developer | product-owner)")
	f.Bool("version", false, "Show build version")
	f.Parse(os.Args[1:])

	// Display version.
	if ok, _ := f.GetBool("version"); ok {
		fmt.Println(buildString)
		os.Exit(0)
	}

	// Read the config files.
	cFiles, _ := f.GetStringSlice("config")
	for _, cf := range cFiles {
		if err := ko.Load(file.Provider(cf), toml.Parser()); err != nil {
			logger.Printf("error reading config: %v", err)
		}
	}

	// Merge env flags into config.
	if err := ko.Load(env.Provider("ESTIMATION_", ".", func(s string) string {
		return strings.Replace(strings.ToLower(
			strings.TrimPrefix(s, "ESTIMATION_")), "__", ".", -1)
	}), nil); err != nil {
		logger.Printf("error loading env config: %v", err)
	}

	// Merge command line flags into config.
	ko.Load(posflag.Provider(f, ".", ko), nil)
}

// Catch OS interrupts and tear the session down before exiting.
func catchInterrupts(app *App) {
	c := make(chan os.Signal, 1)
	signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		for sig := range c {
			app.logger.Printf("shutting down: %v", sig)
			app.sess.Disconnect()
			os.Exit(0)
		}
	}()
}

// checkRoom runs the pre-join gates: the name has to be free, a locked
// room wants its password, and a developer can't drop into a running
// round.
func checkRoom(ctx context.Context, app *App, role wire.Role) error {
	exists, err := app.dir.UserExists(ctx, app.cfg.Room, app.cfg.Name)
	if err != nil {
		return err
	}
	if exists {
		return fmt.Errorf("name %q is already taken in room %s", app.cfg.Name, app.cfg.Room)
	}

	state, err := app.dir.RoomState(ctx, app.cfg.Room)
	if err != nil {
		return err
	}
	if state.InProgress && role == wire.RoleDeveloper {
		return fmt.Errorf("a round is in progress in room %s, try again later", app.cfg.Room)
	}
	if state.IsLocked {
		fmt.Print("room password: ")
		sc := bufio.NewScanner(os.Stdin)
		if !sc.Scan() {
			return fmt.Errorf("room %s is locked", app.cfg.Room)
		}
		ok, err := app.dir.PasswordMatches(ctx, app.cfg.Room, strings.TrimSpace(sc.Text()))
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("wrong password for room %s", app.cfg.Room)
		}
	}
	return nil
}

// watchUpdates prints a status line whenever the session state changes.
func watchUpdates(app *App) {
	for range app.sess.Updates() {
		fmt.Printf("\n[round=%s ticket=%q guess=%d skipped=%v users=%d locked=%v]\n> ",
			app.sess.RoundState(), app.sess.TicketToGuess(), app.sess.OwnGuess(),
			app.sess.DidSkip(), len(app.sess.UsersInRoom()), app.sess.RoomIsLocked())
	}
}

func repl(app *App) {
	ctx := context.Background()
	fmt.Println("commands: estimate <ticket> | guess <n> | skip | reveal | new-round |" +
		" lock <password> | open | users | rooms | guesses | state | quit")

	sc := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("> ")
		if !sc.Scan() {
			app.sess.Disconnect()
			return
		}
		fields := strings.Fields(sc.Text())
		if len(fields) == 0 {
			continue
		}

		var err error
		switch fields[0] {
		case "estimate":
			if len(fields) < 2 {
				fmt.Println("usage: estimate <ticket>")
				continue
			}
			err = app.sess.Estimate(fields[1])
		case "guess":
			if len(fields) < 2 {
				fmt.Println("usage: guess <n>")
				continue
			}
			var guess int
			guess, err = strconv.Atoi(fields[1])
			if err == nil {
				err = app.sess.Guess(guess)
			}
		case "skip":
			err = app.sess.Skip()
		case "reveal":
			err = app.sess.Reveal()
			for _, g := range app.sess.RevealedGuesses() {
				fmt.Printf("  %s (%s): guess=%d skipped=%v\n", g.Name, g.Role, g.Guess, g.DoSkip)
			}
		case "new-round":
			err = app.sess.NewRound()
		case "lock":
			if len(fields) < 2 {
				fmt.Println("usage: lock <password>")
				continue
			}
			if !app.sess.Permissions().Room.CanLock {
				fmt.Println("you may not lock this room")
				continue
			}
			err = app.sess.LockRoom(fields[1])
		case "open":
			if !app.sess.Permissions().Room.CanLock {
				fmt.Println("you may not open this room")
				continue
			}
			err = app.sess.OpenRoom()
		case "users":
			for _, u := range app.sess.UsersInRoom() {
				if u.Role == wire.RoleDeveloper {
					fmt.Printf("  %s (%s) done=%v\n", u.Name, u.Role, u.IsDone)
					continue
				}
				fmt.Printf("  %s (%s)\n", u.Name, u.Role)
			}
		case "rooms":
			var rooms []directory.RoomInfo
			rooms, err = app.dir.ActiveRooms(ctx)
			for _, r := range rooms {
				fmt.Printf("  %s (%d players)\n", r.ID, r.PlayerCount)
			}
		case "guesses":
			var catalog []directory.PossibleGuess
			catalog, err = app.dir.PossibleGuesses(ctx)
			for _, g := range catalog {
				fmt.Printf("  %d - %s\n", g.Guess, g.Description)
			}
		case "state":
			fmt.Printf("  connected=%v room=%s round=%s ticket=%q guess=%d skipped=%v locked=%v\n",
				app.sess.IsConnected(), app.sess.RoomID(), app.sess.RoundState(),
				app.sess.TicketToGuess(), app.sess.OwnGuess(), app.sess.DidSkip(),
				app.sess.RoomIsLocked())
		case "quit":
			app.sess.Disconnect()
			return
		default:
			fmt.Println("unknown command:", fields[0])
		}
		if err != nil {
			fmt.Println("error:", err)
		}
	}
}

func main() {
	// Load configuration from files, env and flags.
	loadConfig()

	app := &App{logger: logger}
	var cfg Config
	if err := ko.Unmarshal("", &cfg); err != nil {
		logger.Fatalf("error unmarshalling config: %v", err)
	}
	app.cfg = &cfg

	if cfg.Server == "" || cfg.Room == "" || cfg.Name == "" {
		logger.Fatal("server, room and name are required")
	}
	role := wire.Role(cfg.Role)
	if role != wire.RoleDeveloper && role != wire.RoleProductOwner {
		logger.Fatalf("invalid role %q", cfg.Role)
	}

	app.dir = directory.NewClient(cfg.Server, logger)
	app.sess = session.New(cfg.Server, transport.NewWSDialer(logger), app.dir, logger)

	ctx := context.Background()
	if err := checkRoom(ctx, app, role); err != nil {
		logger.Fatalf("can not join: %v", err)
	}

	if err := app.sess.Connect(ctx, cfg.Name, role, cfg.Room); err != nil {
		logger.Fatalf("error connecting: %v", err)
	}
	app.sess.FetchPermissions(ctx)

	catchInterrupts(app)
	go watchUpdates(app)

	logger.Printf("joined room %s as %s (%s)", cfg.Room, cfg.Name, role)
	repl(app)
}
