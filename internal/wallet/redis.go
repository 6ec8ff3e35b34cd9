package wallet

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"
)

const (
	BALANCE_KEY_PREFIX = "crash:balance:"
	OP_KEY_PREFIX      = "crash:wallet:op:"
	JOURNAL_STREAM     = "crash:wallet:journal"
	OP_KEY_TTL_SECONDS = 7 * 24 * 3600
	JOURNAL_MAX_LEN    = 100000
)

// KEYS: balance, op marker, journal. The op marker holds the amount moved. ARGV: amount, reason, participant, ttl, maxlen.
// A reason that was already applied returns the current balance without
// moving money, so retried credits are safe.
var debitScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[2]) == 1 then
  return {'duplicate', redis.call('GET', KEYS[1]) or '0'}
end
local bal = tonumber(redis.call('GET', KEYS[1]) or '0')
local amt = tonumber(ARGV[1])
if bal < amt then
  return {'insufficient', tostring(bal)}
end
local nb = redis.call('INCRBYFLOAT', KEYS[1], -amt)
redis.call('SET', KEYS[2], ARGV[1], 'EX', ARGV[4])
redis.call('XADD', KEYS[3], 'MAXLEN', '~', ARGV[5], '*',
  'participant', ARGV[3], 'amount', '-' .. ARGV[1], 'reason', ARGV[2], 'balance', nb)
return {'ok', nb}
`)

var creditScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[2]) == 1 then
  return {'duplicate', redis.call('GET', KEYS[1]) or '0'}
end
local nb = redis.call('INCRBYFLOAT', KEYS[1], ARGV[1])
redis.call('SET', KEYS[2], ARGV[1], 'EX', ARGV[4])
redis.call('XADD', KEYS[3], 'MAXLEN', '~', ARGV[5], '*',
  'participant', ARGV[3], 'amount', ARGV[1], 'reason', ARGV[2], 'balance', nb)
return {'ok', nb}
`)

var setScript = redis.NewScript(`
redis.call('SET', KEYS[1], ARGV[1])
redis.call('XADD', KEYS[2], 'MAXLEN', '~', ARGV[3], '*',
  'participant', ARGV[2], 'amount', ARGV[1], 'reason', 'admin:set', 'balance', ARGV[1])
return ARGV[1]
`)

// Redis keeps balances as decimal strings and applies every movement in a
// single script call together with its journal entry.
type Redis struct {
	client redis.UniversalClient
}

func NewRedis(client redis.UniversalClient) *Redis {
	return &Redis{client: client}
}

func (r *Redis) GetBalance(ctx context.Context, participantID string) (float64, error) {
	val, err := r.client.Get(ctx, BALANCE_KEY_PREFIX+participantID).Result()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("get balance %s: %w", participantID, err)
	}
	return parseBalance(val)
}

func (r *Redis) Credit(ctx context.Context, participantID string, amount float64, reason string) (float64, error) {
	if amount <= 0 {
		return 0, ErrInvalidAmount
	}
	_, bal, err := r.run(ctx, creditScript, participantID, amount, reason)
	if err != nil {
		return 0, fmt.Errorf("credit %s: %w", participantID, err)
	}
	return bal, nil
}

func (r *Redis) Debit(ctx context.Context, participantID string, amount float64, reason string) (float64, error) {
	if amount <= 0 {
		return 0, ErrInvalidAmount
	}
	status, bal, err := r.run(ctx, debitScript, participantID, amount, reason)
	if err != nil {
		return 0, fmt.Errorf("debit %s: %w", participantID, err)
	}
	if status == "insufficient" {
		return bal, fmt.Errorf("%w: balance %.2f, need %.2f", ErrInsufficientFunds, bal, amount)
	}
	return bal, nil
}

// Applied reads the op marker for reason. Markers expire after OP_KEY_TTL_SECONDS.
func (r *Redis) Applied(ctx context.Context, reason string) (float64, bool, error) {
	val, err := r.client.Get(ctx, OP_KEY_PREFIX+reason).Result()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("get op %s: %w", reason, err)
	}
	amount, err := parseBalance(val)
	if err != nil {
		return 0, false, err
	}
	return amount, true, nil
}

func (r *Redis) SetBalance(ctx context.Context, participantID string, balance float64) error {
	if balance < 0 {
		return ErrInvalidAmount
	}
	keys := []string{BALANCE_KEY_PREFIX + participantID, JOURNAL_STREAM}
	amount := strconv.FormatFloat(round2(balance), 'f', 2, 64)
	if err := setScript.Run(ctx, r.client, keys, amount, participantID, JOURNAL_MAX_LEN).Err(); err != nil {
		return fmt.Errorf("set balance %s: %w", participantID, err)
	}
	return nil
}

func (r *Redis) run(ctx context.Context, script *redis.Script, participantID string, amount float64, reason string) (string, float64, error) {
	keys := []string{
		BALANCE_KEY_PREFIX + participantID,
		OP_KEY_PREFIX + reason,
		JOURNAL_STREAM,
	}
	res, err := script.Run(ctx, r.client, keys,
		strconv.FormatFloat(round2(amount), 'f', 2, 64),
		reason,
		participantID,
		OP_KEY_TTL_SECONDS,
		JOURNAL_MAX_LEN,
	).StringSlice()
	if err != nil {
		return "", 0, err
	}
	if len(res) != 2 {
		return "", 0, fmt.Errorf("unexpected script reply %v", res)
	}
	bal, err := parseBalance(res[1])
	return res[0], bal, err
}

func parseBalance(val string) (float64, error) {
	f, err := strconv.ParseFloat(val, 64)
	if err != nil {
		return 0, fmt.Errorf("parse balance %q: %w", val, err)
	}
	return round2(f), nil
}
