package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/jedisct1/dlog"

	"github.com/itsneufox/open.monitor-sub000/monitor"
)

func main() {
	server := flag.String("server", "", "target server as host:port")
	query := flag.String("query", "info", "query kind: info, rules, players, detailed, ping, extra, full")
	configFile := flag.String("config", "", "path to the configuration file")
	development := flag.Bool("dev", false, "allow queries to local/private addresses")
	verbose := flag.Bool("verbose", false, "debug logging")
	flag.Parse()

	dlog.Init("open-monitor-query", dlog.SeverityNotice, "")
	if *verbose {
		dlog.SetLogLevel(dlog.SeverityDebug)
	}

	if len(*server) == 0 {
		dlog.Fatal("No server given, use -server host:port")
	}
	host, portStr, err := net.SplitHostPort(*server)
	if err != nil {
		dlog.Fatalf("Invalid server [%s]: %v", *server, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 0xffff {
		dlog.Fatalf("Invalid port [%s]", portStr)
	}

	config, err := monitor.ConfigLoad(*configFile)
	if err != nil {
		dlog.Fatalf("Unable to load configuration: %v", err)
	}
	if !*verbose {
		dlog.SetLogLevel(dlog.Severity(config.LogLevel))
	}
	if *development {
		config.DevelopmentMode = true
	}

	core, err := monitor.NewMonitor(config)
	if err != nil {
		dlog.Fatalf("Unable to initialize: %v", err)
	}
	defer core.Stop()

	request := monitor.QueryRequest{
		Server:   monitor.ServerIdentity{Host: host, Port: port},
		GuildID:  "cli",
		IsManual: true,
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := run(ctx, core.Service, request, *query); err != nil {
		dlog.Errorf("Query failed: %v", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, service *monitor.QueryService, request monitor.QueryRequest, query string) error {
	switch query {
	case "info":
		info, err := service.GetServerInfo(ctx, request)
		if err != nil {
			return err
		}
		printInfo(info)
	case "rules":
		rules, err := service.GetServerRules(ctx, request)
		if err != nil {
			return err
		}
		for _, rule := range rules {
			fmt.Printf("%-24s %s\n", rule.Name, rule.Value)
		}
	case "players":
		players, err := service.GetPlayers(ctx, request)
		if err != nil {
			return err
		}
		for _, player := range players {
			fmt.Printf("%-24s %d\n", player.Name, player.Score)
		}
	case "detailed":
		players, err := service.GetDetailedPlayers(ctx, request)
		if err != nil {
			return err
		}
		for _, player := range players {
			fmt.Printf("%3d  %-24s score=%-8d ping=%d\n", player.ID, player.Name, player.Score, player.Ping)
		}
	case "ping":
		rtt, err := service.GetPing(ctx, request)
		if err != nil {
			return err
		}
		fmt.Printf("Ping: %v\n", rtt.Round(time.Millisecond))
	case "extra":
		extra, err := service.GetOpenMPExtraInfo(ctx, request)
		if err != nil {
			return err
		}
		if extra == nil {
			fmt.Println("Not an open.mp server")
			return nil
		}
		fmt.Printf("Discord : %s\nBanner  : %s\nDark    : %s\nLogo    : %s\n",
			extra.DiscordInvite, extra.LightBanner, extra.DarkBanner, extra.Logo)
	case "full":
		full, err := service.GetFullServerInfo(ctx, request)
		if err != nil {
			return err
		}
		if full.Info != nil {
			printInfo(full.Info)
		}
		if full.HasPing {
			fmt.Printf("Ping      : %v\n", full.Ping.Round(time.Millisecond))
		}
		fmt.Printf("Rules     : %d\nPlayers   : %d listed\n", len(full.Rules), len(full.Players))
		if full.OpenMP != nil {
			fmt.Println("open.mp   : yes")
		}
	default:
		return fmt.Errorf("unknown query kind [%s]", query)
	}
	return nil
}

func printInfo(info *monitor.ServerInfo) {
	password := "no"
	if info.Passworded {
		password = "yes"
	}
	fmt.Printf("Hostname  : %s\nGamemode  : %s\nLanguage  : %s\nPlayers   : %d/%d\nPassword  : %s\n",
		info.Hostname, info.Gamemode, info.Language, info.Players, info.MaxPlayers, password)
}
