// Command carrot-jms sends and receives messages through a carrot-jms
// connection factory configured from a YAML file and the environment.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	carrotjms "github.com/aleybovich/carrot-jms"
	"github.com/aleybovich/carrot-jms/config"
	"github.com/aleybovich/carrot-jms/logger"
)

const usage = `usage: carrot-jms [-config file.yaml] <command> [flags]

commands:
  send     -queue|-topic NAME -text TEXT [-prop key=value]... [-priority N] [-non-persistent]
  receive  -queue|-topic NAME [-selector EXPR] [-timeout D] [-count N]
`

// properties collects repeated -prop key=value flags
type properties map[string]string

func (p properties) String() string {
	pairs := make([]string, 0, len(p))
	for k, v := range p {
		pairs = append(pairs, k+"="+v)
	}
	return strings.Join(pairs, ",")
}

func (p properties) Set(s string) error {
	k, v, ok := strings.Cut(s, "=")
	if !ok || k == "" {
		return fmt.Errorf("property %q is not key=value", s)
	}
	p[k] = v
	return nil
}

type destinationFlags struct {
	queue string
	topic string
}

func (d *destinationFlags) register(fs *flag.FlagSet) {
	fs.StringVar(&d.queue, "queue", "", "queue name")
	fs.StringVar(&d.topic, "topic", "", "topic name")
}

func (d *destinationFlags) destination() (*carrotjms.Destination, error) {
	switch {
	case d.queue != "" && d.topic != "":
		return nil, errors.New("use either -queue or -topic")
	case d.queue != "":
		return carrotjms.Queue(d.queue), nil
	case d.topic != "":
		return carrotjms.Topic(d.topic), nil
	default:
		return nil, errors.New("-queue or -topic is required")
	}
}

func main() {
	configPath := flag.String("config", "", "path to YAML configuration")
	flag.Usage = func() { fmt.Fprint(os.Stderr, usage) }
	flag.Parse()

	if flag.NArg() < 1 {
		flag.Usage()
		os.Exit(2)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "carrot-jms: %v\n", err)
		os.Exit(1)
	}
	log, err := cfg.Logging.Build()
	if err != nil {
		fmt.Fprintf(os.Stderr, "carrot-jms: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cmd, args := flag.Arg(0), flag.Args()[1:]
	switch cmd {
	case "send":
		err = runSend(ctx, cfg, log, args)
	case "receive":
		err = runReceive(ctx, cfg, log, args)
	default:
		flag.Usage()
		os.Exit(2)
	}

	if z, ok := log.(*logger.ZapLogger); ok {
		_ = z.Sync()
	}
	if err != nil {
		log.Err("%s failed: %v", cmd, err)
		fmt.Fprintf(os.Stderr, "carrot-jms: %v\n", err)
		os.Exit(1)
	}
}

func openSession(ctx context.Context, cfg *config.Config, log logger.Logger, mode carrotjms.AckMode) (*carrotjms.ConnectionFactory, *carrotjms.Session, error) {
	factory, err := carrotjms.NewConnectionFactory(carrotjms.WithConfig(cfg), carrotjms.WithLogger(log))
	if err != nil {
		return nil, nil, err
	}
	conn, err := factory.CreateConnection(ctx)
	if err != nil {
		factory.Close(ctx)
		return nil, nil, err
	}
	session, err := conn.CreateSession(mode)
	if err != nil {
		factory.Close(ctx)
		return nil, nil, err
	}
	return factory, session, nil
}

func runSend(ctx context.Context, cfg *config.Config, log logger.Logger, args []string) error {
	fs := flag.NewFlagSet("send", flag.ExitOnError)
	var dest destinationFlags
	dest.register(fs)
	text := fs.String("text", "", "message body")
	priority := fs.Int("priority", carrotjms.DefaultPriority, "message priority 0-9")
	nonPersistent := fs.Bool("non-persistent", false, "send with NON_PERSISTENT delivery mode")
	props := properties{}
	fs.Var(props, "prop", "string property key=value (repeatable)")
	fs.Parse(args)

	d, err := dest.destination()
	if err != nil {
		return err
	}

	factory, session, err := openSession(ctx, cfg, log, carrotjms.AutoAcknowledge)
	if err != nil {
		return err
	}
	defer factory.Close(context.Background())

	producer, err := session.CreateProducer(d)
	if err != nil {
		return err
	}
	msg := carrotjms.NewTextMessage(*text)
	for k, v := range props {
		if err := msg.SetStringProperty(k, v); err != nil {
			return err
		}
	}

	opts := []carrotjms.SendOption{carrotjms.WithPriority(*priority)}
	if *nonPersistent {
		opts = append(opts, carrotjms.WithDeliveryMode(carrotjms.NonPersistent))
	}
	if err := producer.Send(ctx, msg, opts...); err != nil {
		return err
	}
	fmt.Printf("sent %s to %s\n", msg.Header().MessageID, d)
	return nil
}

func runReceive(ctx context.Context, cfg *config.Config, log logger.Logger, args []string) error {
	fs := flag.NewFlagSet("receive", flag.ExitOnError)
	var dest destinationFlags
	dest.register(fs)
	selector := fs.String("selector", "", "message selector")
	timeout := fs.Duration("timeout", 5*time.Second, "how long to wait for each message")
	count := fs.Int("count", 1, "number of messages to receive, 0 for unlimited")
	fs.Parse(args)

	d, err := dest.destination()
	if err != nil {
		return err
	}

	factory, session, err := openSession(ctx, cfg, log, carrotjms.AutoAcknowledge)
	if err != nil {
		return err
	}
	defer factory.Close(context.Background())

	var opts []carrotjms.ConsumerOption
	if *selector != "" {
		opts = append(opts, carrotjms.WithSelector(*selector))
	}
	consumer, err := session.CreateConsumer(ctx, d, opts...)
	if err != nil {
		return err
	}

	for n := 0; *count == 0 || n < *count; n++ {
		msg, err := consumer.ReceiveTimeout(ctx, *timeout)
		if err != nil {
			return err
		}
		if msg == nil {
			if ctx.Err() == nil {
				fmt.Println("no message received")
			}
			return nil
		}
		printMessage(msg)
	}
	return nil
}

func printMessage(msg *carrotjms.Message) {
	h := msg.Header()
	fmt.Printf("id=%s priority=%d mode=%s redelivered=%t\n", h.MessageID, h.Priority, h.DeliveryMode, h.Redelivered)
	for _, name := range msg.PropertyNames() {
		v, _ := msg.Property(name)
		fmt.Printf("  %s=%v\n", name, v)
	}
	switch msg.BodyKind() {
	case carrotjms.BodyText:
		text, _ := msg.Text()
		fmt.Printf("  body: %s\n", text)
	case carrotjms.BodyBytes:
		data, _ := msg.Bytes()
		fmt.Printf("  body: %d bytes\n", len(data))
	case carrotjms.BodyMap:
		values, _ := msg.Map()
		fmt.Printf("  body: %v\n", values)
	}
}
