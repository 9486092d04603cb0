// Package administration provides the account directory: accounts, the directories grouping them,
// trading groups and administrators.
package administration

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/Aidin1998/pincex_execution/internal/trading/model"
)

const (
	// TradersDirectoryName names the directory of a trading group holding its traders.
	TradersDirectoryName = "traders"
	// ManagersDirectoryName names the directory of a trading group holding its managers.
	ManagersDirectoryName = "managers"
)

// ErrEntryNotFound is returned for unknown directory entries.
var ErrEntryNotFound = errors.New("directory entry not found")

// ServiceLocator resolves accounts and the directories they belong to.
type ServiceLocator interface {
	LoadAllAccounts(ctx context.Context) ([]model.DirectoryEntry, error)
	LoadParents(ctx context.Context, entry model.DirectoryEntry) ([]model.DirectoryEntry, error)
	FindAccount(ctx context.Context, name string) (model.DirectoryEntry, error)
}

// AdministrationClient answers questions about roles and trading groups.
type AdministrationClient interface {
	CheckAdministrator(ctx context.Context, account model.DirectoryEntry) (bool, error)
	LoadManagedTradingGroups(ctx context.Context, account model.DirectoryEntry) ([]model.DirectoryEntry, error)
	LoadTradingGroup(ctx context.Context, group model.DirectoryEntry) (TradingGroup, error)
}

// TradingGroup is a directory with a traders directory and a managers directory.
type TradingGroup struct {
	Entry             model.DirectoryEntry
	TradersDirectory  model.DirectoryEntry
	ManagersDirectory model.DirectoryEntry
	Traders           []model.DirectoryEntry
	Managers          []model.DirectoryEntry
}

// Directory is an in-memory ServiceLocator and AdministrationClient.
type Directory struct {
	mu             sync.RWMutex
	nextID         uint32
	entries        map[uint32]model.DirectoryEntry
	accounts       map[string]model.DirectoryEntry
	directories    map[string]model.DirectoryEntry
	parents        map[uint32][]model.DirectoryEntry
	children       map[uint32][]model.DirectoryEntry
	tradingGroups  map[uint32]*groupEntry
	administrators map[uint32]struct{}
}

type groupEntry struct {
	entry    model.DirectoryEntry
	traders  model.DirectoryEntry
	managers model.DirectoryEntry
}

// NewDirectory creates an empty Directory.
func NewDirectory() *Directory {
	return &Directory{
		nextID:         1,
		entries:        make(map[uint32]model.DirectoryEntry),
		accounts:       make(map[string]model.DirectoryEntry),
		directories:    make(map[string]model.DirectoryEntry),
		parents:        make(map[uint32][]model.DirectoryEntry),
		children:       make(map[uint32][]model.DirectoryEntry),
		tradingGroups:  make(map[uint32]*groupEntry),
		administrators: make(map[uint32]struct{}),
	}
}

func (d *Directory) create(t model.DirectoryEntryType, name string) model.DirectoryEntry {
	entry := model.DirectoryEntry{Type: t, ID: d.nextID, Name: name}
	d.nextID++
	d.entries[entry.ID] = entry
	if t == model.DirectoryEntryTypeDirectory {
		if _, ok := d.directories[name]; !ok {
			d.directories[name] = entry
		}
	}
	return entry
}

// CreateAccount adds an account. Names are unique; creating an existing name returns it.
func (d *Directory) CreateAccount(name string) model.DirectoryEntry {
	d.mu.Lock()
	defer d.mu.Unlock()
	if account, ok := d.accounts[name]; ok {
		return account
	}
	account := d.create(model.DirectoryEntryTypeAccount, name)
	d.accounts[name] = account
	return account
}

// CreateDirectory adds a directory.
func (d *Directory) CreateDirectory(name string) model.DirectoryEntry {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.create(model.DirectoryEntryTypeDirectory, name)
}

// Associate makes parent a parent of child.
func (d *Directory) Associate(child, parent model.DirectoryEntry) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.associate(child, parent)
}

func (d *Directory) associate(child, parent model.DirectoryEntry) error {
	if _, ok := d.entries[child.ID]; !ok {
		return fmt.Errorf("%w: %s", ErrEntryNotFound, child)
	}
	if p, ok := d.entries[parent.ID]; !ok || p.Type != model.DirectoryEntryTypeDirectory {
		return fmt.Errorf("%w: directory %s", ErrEntryNotFound, parent)
	}
	for _, existing := range d.parents[child.ID] {
		if existing.ID == parent.ID {
			return nil
		}
	}
	d.parents[child.ID] = append(d.parents[child.ID], parent)
	d.children[parent.ID] = append(d.children[parent.ID], child)
	return nil
}

// CreateTradingGroup adds a trading group with empty traders and managers directories.
func (d *Directory) CreateTradingGroup(name string) model.DirectoryEntry {
	d.mu.Lock()
	defer d.mu.Unlock()
	group := &groupEntry{entry: d.create(model.DirectoryEntryTypeDirectory, name)}
	group.traders = d.create(model.DirectoryEntryTypeDirectory, TradersDirectoryName)
	group.managers = d.create(model.DirectoryEntryTypeDirectory, ManagersDirectoryName)
	_ = d.associate(group.traders, group.entry)
	_ = d.associate(group.managers, group.entry)
	d.tradingGroups[group.entry.ID] = group
	return group.entry
}

func (d *Directory) group(entry model.DirectoryEntry) (*groupEntry, error) {
	group, ok := d.tradingGroups[entry.ID]
	if !ok {
		return nil, fmt.Errorf("%w: trading group %s", ErrEntryNotFound, entry)
	}
	return group, nil
}

// AddTrader places account in the traders directory of group.
func (d *Directory) AddTrader(group, account model.DirectoryEntry) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	g, err := d.group(group)
	if err != nil {
		return err
	}
	return d.associate(account, g.traders)
}

// AddManager places account in the managers directory of group.
func (d *Directory) AddManager(group, account model.DirectoryEntry) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	g, err := d.group(group)
	if err != nil {
		return err
	}
	return d.associate(account, g.managers)
}

// SetAdministrator grants or revokes the administrator role of account.
func (d *Directory) SetAdministrator(account model.DirectoryEntry, administrator bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if administrator {
		d.administrators[account.ID] = struct{}{}
	} else {
		delete(d.administrators, account.ID)
	}
}

// LoadAllAccounts implements ServiceLocator.
func (d *Directory) LoadAllAccounts(ctx context.Context) ([]model.DirectoryEntry, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	accounts := make([]model.DirectoryEntry, 0, len(d.accounts))
	for _, account := range d.accounts {
		accounts = append(accounts, account)
	}
	sort.Slice(accounts, func(i, j int) bool { return accounts[i].ID < accounts[j].ID })
	return accounts, nil
}

// LoadParents implements ServiceLocator.
func (d *Directory) LoadParents(ctx context.Context, entry model.DirectoryEntry) ([]model.DirectoryEntry, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if _, ok := d.entries[entry.ID]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrEntryNotFound, entry)
	}
	return append([]model.DirectoryEntry(nil), d.parents[entry.ID]...), nil
}

// FindAccount implements ServiceLocator.
func (d *Directory) FindAccount(ctx context.Context, name string) (model.DirectoryEntry, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	account, ok := d.accounts[name]
	if !ok {
		return model.DirectoryEntry{}, fmt.Errorf("%w: account %s", ErrEntryNotFound, name)
	}
	return account, nil
}

// FindDirectory returns the first directory created with name.
func (d *Directory) FindDirectory(ctx context.Context, name string) (model.DirectoryEntry, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	directory, ok := d.directories[name]
	if !ok {
		return model.DirectoryEntry{}, fmt.Errorf("%w: directory %s", ErrEntryNotFound, name)
	}
	return directory, nil
}

// CheckAdministrator implements AdministrationClient.
func (d *Directory) CheckAdministrator(ctx context.Context, account model.DirectoryEntry) (bool, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.administrators[account.ID]
	return ok, nil
}

// LoadManagedTradingGroups implements AdministrationClient.
func (d *Directory) LoadManagedTradingGroups(ctx context.Context, account model.DirectoryEntry) ([]model.DirectoryEntry, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var groups []model.DirectoryEntry
	for _, parent := range d.parents[account.ID] {
		for _, group := range d.tradingGroups {
			if group.managers.ID == parent.ID {
				groups = append(groups, group.entry)
			}
		}
	}
	sort.Slice(groups, func(i, j int) bool { return groups[i].ID < groups[j].ID })
	return groups, nil
}

// LoadTradingGroup implements AdministrationClient.
func (d *Directory) LoadTradingGroup(ctx context.Context, group model.DirectoryEntry) (TradingGroup, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	g, err := d.group(group)
	if err != nil {
		return TradingGroup{}, err
	}
	return TradingGroup{
		Entry:             g.entry,
		TradersDirectory:  g.traders,
		ManagersDirectory: g.managers,
		Traders:           d.accountsIn(g.traders),
		Managers:          d.accountsIn(g.managers),
	}, nil
}

func (d *Directory) accountsIn(directory model.DirectoryEntry) []model.DirectoryEntry {
	var accounts []model.DirectoryEntry
	for _, child := range d.children[directory.ID] {
		if child.IsAccount() {
			accounts = append(accounts, child)
		}
	}
	return accounts
}
