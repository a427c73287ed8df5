package database

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Trade actions.
const (
	ActionBuyYes = "BUY_YES"
	ActionBuyNo  = "BUY_NO"
	ActionHold   = "HOLD"
)

// Trade results.
const (
	ResultPending   = "PENDING"
	ResultWin       = "WIN"
	ResultLose      = "LOSE"
	ResultCancelled = "CANCELLED"
)

// Strategy tags.
const (
	StrategyForward = "FWD"
	StrategyFOKFail = "FOK_FAIL"
)

type Database struct {
	db *gorm.DB
}

// Trade is one wager on a 5-minute window. Created PENDING at order
// submission; the reconciler moves it to a terminal result exactly once.
type Trade struct {
	ID        uint   `gorm:"primaryKey;autoIncrement"`
	Coin      string `gorm:"default:BTC"`
	Timeframe string `gorm:"default:5M"`
	Action    string // BUY_YES, BUY_NO, HOLD
	Result    string `gorm:"index;default:PENDING"`

	BetAmount  decimal.Decimal `gorm:"type:decimal(20,6)"`
	Odds       decimal.Decimal `gorm:"type:decimal(10,6)"` // entry odds (limit side ask)
	EntryPrice decimal.Decimal `gorm:"type:decimal(20,6)"` // oracle price at entry
	OpenPrice  decimal.Decimal `gorm:"type:decimal(20,6)"` // 5m candle open
	ExitPrice  decimal.Decimal `gorm:"type:decimal(20,6)"` // display-only settlement close

	EstimatedProb float64
	EV            float64
	Gap           float64
	PriceDiffPct  float64

	Pnl          decimal.Decimal `gorm:"type:decimal(20,6)"`
	BalanceAfter decimal.Decimal `gorm:"type:decimal(20,6)"`
	BalanceAtBet decimal.Decimal `gorm:"type:decimal(20,6)"`
	ActualSize   decimal.Decimal `gorm:"type:decimal(20,6)"` // tokens actually bought

	MarketID    string `gorm:"index"` // conditionId
	TokenID     string
	OrderID     string
	OrderStatus string

	Reason   string
	Detail   string `gorm:"size:2000"`
	Strategy string // FWD / FOK_FAIL

	ScanToTradeMs int64

	CreatedAt  time.Time
	ResolvedAt *time.Time
}

// New opens the trade store. A postgres:// DSN selects PostgreSQL,
// anything else is treated as a SQLite file path.
func New(dbPath string) (*Database, error) {
	var db *gorm.DB
	var err error

	if strings.HasPrefix(dbPath, "postgres://") || strings.HasPrefix(dbPath, "postgresql://") {
		db, err = gorm.Open(postgres.Open(dbPath), &gorm.Config{
			Logger: logger.Default.LogMode(logger.Silent),
		})
		if err != nil {
			return nil, err
		}
		log.Info().Msg("Database connected (PostgreSQL)")
	} else {
		if dir := filepath.Dir(dbPath); dir != "." && dir != "" {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return nil, err
			}
		}
		db, err = gorm.Open(sqlite.Open(dbPath), &gorm.Config{
			Logger: logger.Default.LogMode(logger.Silent),
		})
		if err != nil {
			return nil, err
		}
		log.Info().Str("path", dbPath).Msg("Database initialized (SQLite)")
	}

	if err := db.AutoMigrate(&Trade{}); err != nil {
		return nil, err
	}

	return &Database{db: db}, nil
}

func (d *Database) SaveTrade(trade *Trade) error {
	return d.db.Create(trade).Error
}

func (d *Database) UpdateTrade(trade *Trade) error {
	return d.db.Save(trade).Error
}

func (d *Database) GetTrade(id uint) (*Trade, error) {
	var trade Trade
	err := d.db.First(&trade, id).Error
	return &trade, err
}

// GetPendingTrades returns unresolved trades oldest-first, the order the
// reconciler processes them in.
func (d *Database) GetPendingTrades() ([]Trade, error) {
	var trades []Trade
	err := d.db.Where("result = ?", ResultPending).Order("created_at ASC").Find(&trades).Error
	return trades, err
}

func (d *Database) GetRecentTrades(limit int) ([]Trade, error) {
	var trades []Trade
	err := d.db.Order("created_at DESC").Limit(limit).Find(&trades).Error
	return trades, err
}

// GetLastResolved returns the most recently resolved WIN/LOSE trades,
// newest first. Used by the circuit breaker.
func (d *Database) GetLastResolved(limit int) ([]Trade, error) {
	var trades []Trade
	err := d.db.Where("result IN ?", []string{ResultWin, ResultLose}).
		Order("id DESC").Limit(limit).Find(&trades).Error
	return trades, err
}

// GetWinLossCounts returns resolved win/loss totals, excluding FOK_FAIL rows.
func (d *Database) GetWinLossCounts() (wins, losses int64, err error) {
	if err = d.db.Model(&Trade{}).
		Where("result = ? AND strategy <> ?", ResultWin, StrategyFOKFail).
		Count(&wins).Error; err != nil {
		return
	}
	err = d.db.Model(&Trade{}).
		Where("result = ? AND strategy <> ?", ResultLose, StrategyFOKFail).
		Count(&losses).Error
	return
}

// GetResolvedPnlSum sums pnl over terminal trades. Dry-run balance replay:
// initial + sum(pnl) reproduces the working balance at last shutdown.
func (d *Database) GetResolvedPnlSum() (decimal.Decimal, error) {
	var result struct {
		Total decimal.Decimal
	}
	err := d.db.Model(&Trade{}).
		Where("result IN ?", []string{ResultWin, ResultLose, ResultCancelled}).
		Select("COALESCE(SUM(pnl), 0) as total").Scan(&result).Error
	return result.Total, err
}

// Stats is the cumulative aggregate surface for the dashboard.
type Stats struct {
	TotalTrades int64           `json:"total_trades"`
	Pending     int64           `json:"pending"`
	Wins        int64           `json:"wins"`
	Losses      int64           `json:"losses"`
	Cancelled   int64           `json:"cancelled"`
	WinRate     float64         `json:"win_rate"`
	TotalPnl    decimal.Decimal `json:"total_pnl"`
}

func (d *Database) GetStats() (*Stats, error) {
	var s Stats
	if err := d.db.Model(&Trade{}).Where("strategy <> ?", StrategyFOKFail).Count(&s.TotalTrades).Error; err != nil {
		return nil, err
	}
	d.db.Model(&Trade{}).Where("result = ?", ResultPending).Count(&s.Pending)
	d.db.Model(&Trade{}).Where("result = ? AND strategy <> ?", ResultWin, StrategyFOKFail).Count(&s.Wins)
	d.db.Model(&Trade{}).Where("result = ? AND strategy <> ?", ResultLose, StrategyFOKFail).Count(&s.Losses)
	d.db.Model(&Trade{}).Where("result = ?", ResultCancelled).Count(&s.Cancelled)

	if resolved := s.Wins + s.Losses; resolved > 0 {
		s.WinRate = float64(s.Wins) / float64(resolved)
	}

	var pnlResult struct {
		Total decimal.Decimal
	}
	d.db.Model(&Trade{}).Select("COALESCE(SUM(pnl), 0) as total").Scan(&pnlResult)
	s.TotalPnl = pnlResult.Total

	return &s, nil
}
