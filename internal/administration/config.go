package administration

import (
	"fmt"

	"github.com/Aidin1998/pincex_execution/internal/trading/model"
)

// TradingGroupConfig describes a trading group by account names.
type TradingGroupConfig struct {
	Name     string   `mapstructure:"name" yaml:"name" json:"name" validate:"required"`
	Traders  []string `mapstructure:"traders" yaml:"traders" json:"traders"`
	Managers []string `mapstructure:"managers" yaml:"managers" json:"managers"`
}

// GroupConfig describes a plain directory and its member accounts.
type GroupConfig struct {
	Name    string   `mapstructure:"name" yaml:"name" json:"name" validate:"required"`
	Members []string `mapstructure:"members" yaml:"members" json:"members"`
}

// Config seeds a Directory.
type Config struct {
	Accounts       []string             `mapstructure:"accounts" yaml:"accounts" json:"accounts"`
	TradingGroups  []TradingGroupConfig `mapstructure:"trading_groups" yaml:"trading_groups" json:"trading_groups"`
	Groups         []GroupConfig        `mapstructure:"groups" yaml:"groups" json:"groups"`
	Administrators []string             `mapstructure:"administrators" yaml:"administrators" json:"administrators"`
}

// LoadDirectory builds a Directory from cfg. Every referenced account must be listed in Accounts.
func LoadDirectory(cfg Config) (*Directory, error) {
	d := NewDirectory()
	for _, name := range cfg.Accounts {
		d.CreateAccount(name)
	}
	find := func(name string) (model.DirectoryEntry, error) {
		d.mu.RLock()
		defer d.mu.RUnlock()
		account, ok := d.accounts[name]
		if !ok {
			return account, fmt.Errorf("%w: account %s", ErrEntryNotFound, name)
		}
		return account, nil
	}
	for _, tg := range cfg.TradingGroups {
		group := d.CreateTradingGroup(tg.Name)
		for _, name := range tg.Traders {
			account, err := find(name)
			if err != nil {
				return nil, err
			}
			if err := d.AddTrader(group, account); err != nil {
				return nil, err
			}
		}
		for _, name := range tg.Managers {
			account, err := find(name)
			if err != nil {
				return nil, err
			}
			if err := d.AddManager(group, account); err != nil {
				return nil, err
			}
		}
	}
	for _, g := range cfg.Groups {
		directory := d.CreateDirectory(g.Name)
		for _, name := range g.Members {
			account, err := find(name)
			if err != nil {
				return nil, err
			}
			if err := d.Associate(account, directory); err != nil {
				return nil, err
			}
		}
	}
	for _, name := range cfg.Administrators {
		account, err := find(name)
		if err != nil {
			return nil, err
		}
		d.SetAdministrator(account, true)
	}
	return d, nil
}
