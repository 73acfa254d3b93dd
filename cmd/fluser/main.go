// Command fluser is an interactive member of virtually synchronous groups.
//
// Configuration is read from fluser.yaml in the working directory, if present,
// and from FLUSER_* environment variables:
//
//	listen:  /ip4/0.0.0.0/tcp/0
//	peers:   [/ip4/127.0.0.1/tcp/4001/p2p/12D3KooW...]
//	user:    alice
//	log:
//	  level: info
//	params:
//	  pending_age_limit: 3
//	  initial_buffer_size: 4096
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"

	"github.com/cmwaters/vsync"
	"github.com/cmwaters/vsync/flush"
	"github.com/cmwaters/vsync/network"
	"github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/multiformats/go-multiaddr"
	"github.com/rs/zerolog"
	"github.com/spf13/viper"
)

const usage = `commands:
  j <group>                   join
  l <group>                   leave
  f <group>                   flush after a flush request
  s <group> <text>            multicast with agreed ordering
  u <group> <member> <text>   unicast within the group
  p                           bytes and messages waiting
  i                           print identity
  q                           quit`

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadConfig() (*viper.Viper, error) {
	config := viper.New()
	config.SetConfigName("fluser")
	config.AddConfigPath(".")
	config.SetEnvPrefix("fluser")
	config.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	config.AutomaticEnv()

	defaults := flush.DefaultParameters()
	config.SetDefault("listen", "/ip4/0.0.0.0/tcp/0")
	config.SetDefault("log.level", "info")
	config.SetDefault("params.pending_age_limit", defaults.PendingAgeLimit)
	config.SetDefault("params.initial_buffer_size", defaults.InitialBufferSize)

	if err := config.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}
	return config, nil
}

func run() error {
	config, err := loadConfig()
	if err != nil {
		return err
	}
	level, err := zerolog.ParseLevel(config.GetString("log.level"))
	if err != nil {
		return err
	}
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).Level(level).With().Timestamp().Logger()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	listen, err := multiaddr.NewMultiaddr(config.GetString("listen"))
	if err != nil {
		return fmt.Errorf("parsing listen address: %w", err)
	}
	host, err := libp2p.New(libp2p.ListenAddrs(listen))
	if err != nil {
		return err
	}
	defer host.Close()

	for _, addr := range config.GetStringSlice("peers") {
		info, err := peer.AddrInfoFromString(addr)
		if err != nil {
			return fmt.Errorf("parsing peer %q: %w", addr, err)
		}
		if err := host.Connect(ctx, *info); err != nil {
			logger.Error().Err(err).Str("peer", info.ID.String()).Msg("connecting")
		}
	}

	ps, err := pubsub.NewGossipSub(ctx, host)
	if err != nil {
		return err
	}
	params := flush.Parameters{
		PendingAgeLimit:   config.GetInt("params.pending_age_limit"),
		InitialBufferSize: config.GetInt("params.initial_buffer_size"),
	}
	layer := vsync.New(host, ps, logger, flush.WithParameters(params))
	defer layer.Close()

	conn, err := layer.Connect(ctx, "", config.GetString("user"), false)
	if err != nil {
		return err
	}
	for _, addr := range host.Addrs() {
		fmt.Printf("listening on %s/p2p/%s\n", addr, host.ID())
	}
	fmt.Printf("private group %s\n%s\n", conn.PrivateGroup(), usage)

	go receiveLoop(ctx, conn)
	return commandLoop(ctx, conn)
}

func receiveLoop(ctx context.Context, conn *flush.Conn) {
	for {
		msg, err := conn.Receive(ctx)
		if err != nil {
			if !errors.Is(err, context.Canceled) {
				fmt.Printf("receive: %v\n", err)
			}
			return
		}
		switch {
		case msg.IsRegular():
			fmt.Printf("[%s] %s: %s\n", strings.Join(msg.Groups, ","), msg.Sender, msg.Data)
		case msg.IsMembership():
			fmt.Printf("view %s of %s (%s %s): %v, shared with %v\n",
				msg.View.ID, msg.Sender, msg.View.Cause, msg.View.Changed, msg.View.Members, msg.View.VSSet)
		case msg.IsFlushRequest():
			fmt.Printf("flush requested by %s, type 'f %s' when done sending\n", msg.Sender, msg.Sender)
		case msg.IsSelfLeave():
			fmt.Printf("left %s\n", msg.Sender)
		}
	}
}

func commandLoop(ctx context.Context, conn *flush.Conn) error {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}
		if err := execute(ctx, conn, fields); err != nil {
			if errors.Is(err, flush.ErrIllegalSession) {
				return err
			}
			fmt.Printf("error: %v\n", err)
		}
		if fields[0] == "q" {
			return nil
		}
	}
	return scanner.Err()
}

func execute(ctx context.Context, conn *flush.Conn, fields []string) error {
	arg := func(i int) string {
		if i < len(fields) {
			return fields[i]
		}
		return ""
	}
	switch fields[0] {
	case "j":
		return conn.Join(ctx, arg(1))
	case "l":
		return conn.Leave(ctx, arg(1))
	case "f":
		return conn.Flush(ctx, arg(1))
	case "s":
		text := strings.Join(fields[min(2, len(fields)):], " ")
		_, err := conn.Multicast(ctx, network.Agreed, arg(1), 0, []byte(text))
		return err
	case "u":
		text := strings.Join(fields[min(3, len(fields)):], " ")
		_, err := conn.Unicast(ctx, network.FIFO, arg(1), arg(2), 0, []byte(text))
		return err
	case "p":
		pending, err := conn.Poll()
		if err != nil {
			return err
		}
		outstanding, err := conn.OutstandingMessages()
		if err != nil {
			return err
		}
		fmt.Printf("%d bytes pending, %d messages outstanding\n", pending, outstanding)
		return nil
	case "i":
		fmt.Printf("mailbox %d, private group %s\n", conn.Mailbox(), conn.PrivateGroup())
		return nil
	case "q":
		return conn.Disconnect()
	default:
		fmt.Println(usage)
		return nil
	}
}
