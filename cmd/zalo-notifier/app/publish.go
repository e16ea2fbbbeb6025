package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aq2208/zalo-notifier/configs"
	"github.com/aq2208/zalo-notifier/internal/adapter/queue"
	domain "github.com/aq2208/zalo-notifier/internal/entity"
	"github.com/spf13/cobra"
)

type publishOptions struct {
	TaskID  string
	Action  string
	Phone   string
	Message string
	ZipURL  string
	Params  map[string]string
	Count   int
	Timeout time.Duration
}

func newPublishCmd(root *rootOptions) *cobra.Command {
	var opts publishOptions

	cmd := &cobra.Command{
		Use:   "publish --action <DOWNLOAD_IMAGE|SEND_OTP> --phone <number>",
		Short: "Publish a task envelope to the configured queue",
		RunE: func(cmd *cobra.Command, _ []string) error {
			task, err := opts.task()
			if err != nil {
				return err
			}
			cfg, err := loadConfig(root)
			if err != nil {
				return err
			}
			log, closer, err := newLogger(cfg)
			if err != nil {
				return err
			}
			defer closeQuietly(closer)

			ctx, cancel := context.WithTimeout(cmd.Context(), opts.Timeout)
			defer cancel()

			mgr := queue.NewManager(cfg.BrokerURL(), log,
				queue.WithDialer(queue.AMQPDialer(cfg.Rabbit.Heartbeat, cfg.App.Name+"-publish")),
				queue.WithRetry(cfg.Rabbit.ConnectRetries, cfg.Rabbit.ConnectDelay),
				queue.WithPrefetch(0),
			)
			defer mgr.Close()
			if err := mgr.Connect(ctx); err != nil {
				return err
			}
			if err := mgr.DeclareQueue(subscription(cfg)); err != nil {
				return err
			}

			exchange, key := publishTarget(cfg)
			producer := queue.NewTaskProducer(mgr, cfg.App.Name, exchange, key)
			for i := 0; i < opts.Count; i++ {
				t := task
				if opts.Count > 1 {
					t.TaskID = ""
				}
				id, err := producer.Publish(ctx, t)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), id)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&opts.TaskID, "task-id", "", "task id (generated when empty)")
	cmd.Flags().StringVar(&opts.Action, "action", string(domain.ActionDownloadImage), "action type")
	cmd.Flags().StringVar(&opts.Phone, "phone", "", "recipient phone number")
	cmd.Flags().StringVar(&opts.Message, "message", "", "message text or template")
	cmd.Flags().StringVar(&opts.ZipURL, "zip-url", "", "exported file path for DOWNLOAD_IMAGE")
	cmd.Flags().StringToStringVar(&opts.Params, "param", nil, "task params, e.g. --param otp=123456 --param expire=300")
	cmd.Flags().IntVar(&opts.Count, "count", 1, "number of tasks to publish")
	cmd.Flags().DurationVar(&opts.Timeout, "timeout", 30*time.Second, "overall publish timeout")
	return cmd
}

func (o publishOptions) task() (domain.Task, error) {
	if strings.TrimSpace(o.Phone) == "" {
		return domain.Task{}, errors.New("--phone is required")
	}
	if strings.TrimSpace(o.Action) == "" {
		return domain.Task{}, errors.New("--action is required")
	}
	if o.Count < 1 {
		return domain.Task{}, errors.New("--count must be >= 1")
	}
	t := domain.Task{
		TaskID:      o.TaskID,
		ActionType:  domain.ActionType(o.Action),
		PhoneNumber: o.Phone,
		Params:      make(map[string]any, len(o.Params)),
	}
	if o.Message != "" {
		t.Message = &o.Message
	}
	if o.ZipURL != "" {
		t.ZipFileURL = &o.ZipURL
	}
	for k, v := range o.Params {
		t.Params[k] = v
	}
	return t, nil
}

func subscription(cfg configs.Config) queue.Subscription {
	return queue.Subscription{
		Queue:        cfg.QueueName(),
		ConsumerTag:  cfg.Rabbit.ConsumerTag,
		Exchange:     cfg.Rabbit.Exchange,
		ExchangeType: cfg.Rabbit.ExchangeType,
		RoutingKey:   cfg.Rabbit.RoutingKey,
	}
}

// publishTarget is the configured exchange and routing key, or the default
// exchange keyed by queue name.
func publishTarget(cfg configs.Config) (exchange, key string) {
	if cfg.Rabbit.Exchange == "" {
		return "", cfg.QueueName()
	}
	return cfg.Rabbit.Exchange, cfg.Rabbit.RoutingKey
}
