package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/creditledger/internal/grpcserver"
	"github.com/MarkoPoloResearchLab/creditledger/pkg/credits"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const (
	flagLedgerAddr     = "ledger-addr"
	flagLedgerInsecure = "ledger-insecure"
	flagLedgerTimeout  = "ledger-timeout"
	flagUser           = "user"
	flagAmount         = "amount"
	flagType           = "type"
	flagOrder          = "order"
	flagExpiresAt      = "expires-at"
	flagReason         = "reason"
	flagLedgerLimit    = "ledger-limit"

	defaultLedgerAddr    = "localhost:7000"
	defaultLedgerTimeout = 5 * time.Second
)

type clientConfig struct {
	LedgerAddr     string
	LedgerInsecure bool
	LedgerTimeout  time.Duration
}

type clientCall func(ctx context.Context, cmd *cobra.Command, client *grpcserver.Client) (any, error)

func newClientCommands() []*cobra.Command {
	grantCmd := newClientCommand("grant", "Grant credits to a user", runGrant)
	grantCmd.Flags().String(flagUser, "", "user id (required)")
	grantCmd.Flags().Int64(flagAmount, 0, "credits to grant (required)")
	grantCmd.Flags().String(flagType, credits.TransactionSystemGrant.String(), "grant type: new_user, order_pay, system_add or admin_grant")
	grantCmd.Flags().String(flagOrder, "", "order reference; with --type order_pay the grant happens once per order")
	grantCmd.Flags().String(flagExpiresAt, "", "expiry as RFC3339 timestamp")

	consumeCmd := newClientCommand("consume", "Consume credits of a user", runConsume)
	consumeCmd.Flags().String(flagUser, "", "user id (required)")
	consumeCmd.Flags().Int64(flagAmount, 1, "credits to consume")
	consumeCmd.Flags().String(flagReason, credits.ReasonMockUsage.String(), "consumption reason slug")

	summaryCmd := newClientCommand("summary", "Print the credit summary of a user", runSummary)
	summaryCmd.Flags().String(flagUser, "", "user id (required)")
	summaryCmd.Flags().Int(flagLedgerLimit, credits.DefaultLedgerLimit, "number of recent transactions to include")

	statusCmd := newClientCommand("status", "Print the short credit status of a user", runStatus)
	statusCmd.Flags().String(flagUser, "", "user id (required)")

	return []*cobra.Command{grantCmd, consumeCmd, summaryCmd, statusCmd}
}

func newClientCommand(use string, short string, call clientCall) *cobra.Command {
	cfg := &clientConfig{}
	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return loadClientConfig(cmd, cfg)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), cfg.LedgerTimeout)
			defer cancel()
			conn, err := grpcserver.Dial(ctx, cfg.LedgerAddr, cfg.LedgerInsecure)
			if err != nil {
				return err
			}
			defer conn.Close()
			result, err := call(ctx, cmd, grpcserver.NewClient(conn))
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), result)
		},
	}
	cmd.Flags().String(flagLedgerAddr, defaultLedgerAddr, "creditd gRPC address")
	cmd.Flags().Bool(flagLedgerInsecure, true, "connect without TLS")
	cmd.Flags().Duration(flagLedgerTimeout, defaultLedgerTimeout, "ledger RPC timeout")
	return cmd
}

func loadClientConfig(cmd *cobra.Command, cfg *clientConfig) error {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	for _, flagName := range []string{flagLedgerAddr, flagLedgerInsecure, flagLedgerTimeout} {
		if err := v.BindPFlag(flagName, cmd.Flags().Lookup(flagName)); err != nil {
			return err
		}
	}
	cfg.LedgerAddr = strings.TrimSpace(v.GetString(flagLedgerAddr))
	cfg.LedgerInsecure = v.GetBool(flagLedgerInsecure)
	cfg.LedgerTimeout = v.GetDuration(flagLedgerTimeout)
	if cfg.LedgerAddr == "" {
		return fmt.Errorf("%s is required", flagLedgerAddr)
	}
	if cfg.LedgerTimeout <= 0 {
		cfg.LedgerTimeout = defaultLedgerTimeout
	}
	if user, _ := cmd.Flags().GetString(flagUser); strings.TrimSpace(user) == "" {
		return fmt.Errorf("%s is required", flagUser)
	}
	return nil
}

func runGrant(ctx context.Context, cmd *cobra.Command, client *grpcserver.Client) (any, error) {
	user, _ := cmd.Flags().GetString(flagUser)
	amount, _ := cmd.Flags().GetInt64(flagAmount)
	rawType, _ := cmd.Flags().GetString(flagType)
	order, _ := cmd.Flags().GetString(flagOrder)
	rawExpiresAt, _ := cmd.Flags().GetString(flagExpiresAt)

	transactionType, err := credits.ParseGrantType(rawType)
	if err != nil {
		return nil, err
	}
	expiresAt, err := parseExpiresAt(rawExpiresAt)
	if err != nil {
		return nil, err
	}
	if transactionType == credits.TransactionOrderPayment && order != "" {
		transactionID, created, err := client.GrantForOrder(ctx, user, order, amount, expiresAt)
		if err != nil {
			return nil, err
		}
		return map[string]any{"transactionId": transactionID.Int64(), "created": created}, nil
	}
	transactionID, err := client.Grant(ctx, grpcserver.GrantInput{
		UserID:         user,
		Type:           transactionType,
		Amount:         amount,
		ExpiresAt:      expiresAt,
		OrderReference: order,
	})
	if err != nil {
		return nil, err
	}
	return map[string]any{"transactionId": transactionID.Int64(), "created": true}, nil
}

func runConsume(ctx context.Context, cmd *cobra.Command, client *grpcserver.Client) (any, error) {
	user, _ := cmd.Flags().GetString(flagUser)
	amount, _ := cmd.Flags().GetInt64(flagAmount)
	reason, _ := cmd.Flags().GetString(flagReason)
	transactionID, err := client.Consume(ctx, user, amount, reason)
	if err != nil {
		return nil, err
	}
	return map[string]any{"transactionId": transactionID.Int64()}, nil
}

func runSummary(ctx context.Context, cmd *cobra.Command, client *grpcserver.Client) (any, error) {
	user, _ := cmd.Flags().GetString(flagUser)
	limit, _ := cmd.Flags().GetInt(flagLedgerLimit)
	options := credits.DefaultSummaryOptions()
	options.LedgerLimit = limit
	summary, err := client.Summarize(ctx, user, options)
	if err != nil {
		return nil, err
	}
	return newSummaryView(summary), nil
}

func runStatus(ctx context.Context, cmd *cobra.Command, client *grpcserver.Client) (any, error) {
	user, _ := cmd.Flags().GetString(flagUser)
	return client.GetUserCredits(ctx, user)
}

func parseExpiresAt(raw string) (*time.Time, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	parsed, err := time.Parse(time.RFC3339, strings.TrimSpace(raw))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", flagExpiresAt, err)
	}
	return &parsed, nil
}

type summaryView struct {
	Balance      int64             `json:"balance"`
	Granted      int64             `json:"granted"`
	Consumed     int64             `json:"consumed"`
	Expired      int64             `json:"expired"`
	ExpiringSoon []transactionView `json:"expiringSoon"`
	Ledger       []transactionView `json:"ledger"`
}

type transactionView struct {
	TransactionID  int64      `json:"transactionId"`
	Type           string     `json:"type"`
	Reason         string     `json:"reason,omitempty"`
	Amount         int64      `json:"amount"`
	CreatedAt      time.Time  `json:"createdAt"`
	ExpiresAt      *time.Time `json:"expiresAt,omitempty"`
	OrderReference string     `json:"orderReference,omitempty"`
}

func newSummaryView(summary credits.Summary) summaryView {
	return summaryView{
		Balance:      summary.Balance,
		Granted:      summary.Granted,
		Consumed:     summary.Consumed,
		Expired:      summary.Expired,
		ExpiringSoon: newTransactionViews(summary.ExpiringSoon),
		Ledger:       newTransactionViews(summary.Ledger),
	}
}

func newTransactionViews(transactions []credits.Transaction) []transactionView {
	views := make([]transactionView, 0, len(transactions))
	for _, transaction := range transactions {
		view := transactionView{
			TransactionID:  transaction.TransactionID().Int64(),
			Type:           transaction.Type().String(),
			Reason:         transaction.Reason().String(),
			Amount:         transaction.Amount().Int64(),
			CreatedAt:      transaction.CreatedAt(),
			OrderReference: transaction.OrderReference().String(),
		}
		if expiresAt, ok := transaction.ExpiresAt(); ok {
			view.ExpiresAt = &expiresAt
		}
		views = append(views, view)
	}
	return views
}

func writeJSON(writer io.Writer, value any) error {
	encoder := json.NewEncoder(writer)
	encoder.SetIndent("", "  ")
	return encoder.Encode(value)
}
