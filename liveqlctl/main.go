package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/docopt/docopt-go"

	"golang.org/x/term"

	"gopkg.in/yaml.v3"

	"github.com/liveql/liveql-go"
)

const LiveqlCtlVersion = "0.0.1"

var Out *log.Logger
var Err *log.Logger

func init() {
	Out = log.New(os.Stdout, "", 0)
	Err = log.New(os.Stderr, "", log.Ldate|log.Ltime|log.Lshortfile)
}

func main() {
	usage := `Liveql control.

The default urls are:
    api_url: https://api.liveql.io
    platform_url: wss://live.liveql.io

Usage:
    liveqlctl login [--api_url=<api_url>] [--app_id=<app_id>]
        --email=<email>
    liveqlctl whoami
    liveqlctl subscribe [--platform_url=<platform_url>] [--app_id=<app_id>]
        <query>
    liveqlctl update [--platform_url=<platform_url>] [--app_id=<app_id>]
        <namespace> <entity_id> <fields>
    liveqlctl delete [--platform_url=<platform_url>] [--app_id=<app_id>]
        <namespace> <entity_id>

Options:
    -h --help                        Show this screen.
    --version                        Show version.
    --api_url=<api_url>
    --platform_url=<platform_url>
    --app_id=<app_id>                App id (uuid). Saved to the profile.
    --email=<email>                  Email to send the magic code to.`

	opts, err := docopt.ParseArgs(usage, os.Args[1:], LiveqlCtlVersion)
	if err != nil {
		panic(err)
	}

	if login_, _ := opts.Bool("login"); login_ {
		login(opts)
	} else if whoami_, _ := opts.Bool("whoami"); whoami_ {
		whoami()
	} else if subscribe_, _ := opts.Bool("subscribe"); subscribe_ {
		subscribe(opts)
	} else if update_, _ := opts.Bool("update"); update_ {
		update(opts)
	} else if delete_, _ := opts.Bool("delete"); delete_ {
		deleteEntity(opts)
	}
}

type Profile struct {
	ApiUrl       string `yaml:"api_url,omitempty"`
	PlatformUrl  string `yaml:"platform_url,omitempty"`
	AppId        string `yaml:"app_id,omitempty"`
	RefreshToken string `yaml:"refresh_token,omitempty"`
}

func profilePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		panic(err)
	}
	return filepath.Join(home, ".liveql", "profile.yml")
}

func loadProfile() *Profile {
	profile := &Profile{
		ApiUrl:      "https://api.liveql.io",
		PlatformUrl: "wss://live.liveql.io",
	}
	b, err := os.ReadFile(profilePath())
	if err != nil {
		return profile
	}
	if err := yaml.Unmarshal(b, profile); err != nil {
		Err.Printf("bad profile, ignoring = %s\n", err)
	}
	return profile
}

func saveProfile(profile *Profile) {
	b, err := yaml.Marshal(profile)
	if err != nil {
		panic(err)
	}
	path := profilePath()
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		panic(err)
	}
	if err := os.WriteFile(path, b, 0600); err != nil {
		panic(err)
	}
}

func applyOpts(profile *Profile, opts docopt.Opts) {
	if apiUrl, err := opts.String("--api_url"); err == nil && apiUrl != "" {
		profile.ApiUrl = apiUrl
	}
	if platformUrl, err := opts.String("--platform_url"); err == nil && platformUrl != "" {
		profile.PlatformUrl = platformUrl
	}
	if appId, err := opts.String("--app_id"); err == nil && appId != "" {
		profile.AppId = appId
	}
}

func login(opts docopt.Opts) {
	profile := loadProfile()
	applyOpts(profile, opts)
	if profile.AppId == "" {
		Err.Fatal("missing --app_id")
	}
	email, _ := opts.String("--email")

	api := liveql.NewPlatformApi(profile.ApiUrl, profile.AppId)
	defer api.Close()

	if _, err := api.SendMagicCodeSync(&liveql.SendMagicCodeArgs{Email: email}); err != nil {
		Err.Fatalf("send magic code error = %s\n", err)
	}
	Out.Printf("magic code sent to %s\n", email)

	fmt.Print("code: ")
	codeBytes, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Println()
	if err != nil {
		Err.Fatalf("read code error = %s\n", err)
	}

	result, err := api.VerifyMagicCodeSync(&liveql.VerifyMagicCodeArgs{
		Email: email,
		Code:  string(codeBytes),
	})
	if err != nil {
		Err.Fatalf("verify error = %s\n", err)
	}
	if result.User == nil || result.User.RefreshToken == "" {
		Err.Fatal("verify returned no user")
	}

	profile.RefreshToken = result.User.RefreshToken
	saveProfile(profile)
	Out.Printf("logged in as %s\n", result.User.Email)
}

func whoami() {
	profile := loadProfile()
	if profile.RefreshToken == "" {
		Out.Println("not logged in")
		return
	}
	user, err := liveql.ParseUserUnverified(profile.RefreshToken)
	if err != nil {
		Err.Fatalf("bad token = %s\n", err)
	}
	Out.Printf("%s %s\n", user.Id, user.Email)
}

func newClient(opts docopt.Opts) *liveql.Client {
	profile := loadProfile()
	applyOpts(profile, opts)
	if profile.AppId == "" {
		Err.Fatal("missing --app_id")
	}

	auth := liveql.NewMemoryAuthStore(profile.RefreshToken)
	client, err := liveql.NewClientWithDefaults(context.Background(), profile.PlatformUrl, profile.AppId, auth)
	if err != nil {
		Err.Fatalf("client error = %s\n", err)
	}
	client.Connect()
	return client
}

func awaitState(client *liveql.Client, target liveql.ConnectionState, timeout time.Duration) bool {
	reached := make(chan struct{}, 1)
	unsub := client.AddStateCallback(func(state liveql.ConnectionState, reason error) {
		if state == target {
			select {
			case reached <- struct{}{}:
			default:
			}
		}
	})
	defer unsub()

	if client.State() == target {
		return true
	}
	select {
	case <-reached:
		return true
	case <-time.After(timeout):
		return false
	}
}

func subscribe(opts docopt.Opts) {
	client := newClient(opts)
	defer client.Disconnect()

	queryJson, _ := opts.String("<query>")
	var query liveql.WireValue
	if err := json.Unmarshal([]byte(queryJson), &query); err != nil {
		Err.Fatalf("bad query = %s\n", err)
	}

	unsubscribe, err := client.Subscribe(query, func(result *liveql.QueryResult) {
		switch result.State {
		case liveql.ResultLoading:
			Err.Println("loading...")
		case liveql.ResultSuccess:
			b, _ := json.Marshal(result.Data)
			Out.Println(string(b))
		case liveql.ResultFailure:
			Err.Printf("query error = %s\n", result.Err)
		}
	})
	if err != nil {
		Err.Fatalf("subscribe error = %s\n", err)
	}
	defer unsubscribe()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
}

func update(opts docopt.Opts) {
	client := newClient(opts)
	defer client.Disconnect()

	if !awaitState(client, liveql.StateAuthenticated, 15*time.Second) {
		Err.Fatal("could not reach the platform")
	}

	namespace, _ := opts.String("<namespace>")
	entityId, _ := opts.String("<entity_id>")
	fieldsJson, _ := opts.String("<fields>")

	var fieldsValue liveql.WireValue
	if err := json.Unmarshal([]byte(fieldsJson), &fieldsValue); err != nil {
		Err.Fatalf("bad fields = %s\n", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	result, err := client.TransactSync(ctx, []liveql.TxOp{
		liveql.Update(namespace, entityId, fieldsValue.Map()),
	})
	if err != nil {
		Err.Fatalf("transact error = %s\n", err)
	}
	Out.Printf("tx %s\n", result.TxId)
}

func deleteEntity(opts docopt.Opts) {
	client := newClient(opts)
	defer client.Disconnect()

	if !awaitState(client, liveql.StateAuthenticated, 15*time.Second) {
		Err.Fatal("could not reach the platform")
	}

	namespace, _ := opts.String("<namespace>")
	entityId, _ := opts.String("<entity_id>")

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	result, err := client.TransactSync(ctx, []liveql.TxOp{
		liveql.Delete(namespace, entityId),
	})
	if err != nil {
		Err.Fatalf("transact error = %s\n", err)
	}
	Out.Printf("tx %s\n", result.TxId)
}
