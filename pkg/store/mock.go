package store

import (
	"context"

	"github.com/stretchr/testify/mock"
)

type MockStore struct {
	mock.Mock
}

func (m *MockStore) Create(ctx context.Context, path string, data []byte, mode CreateMode) (string, error) {
	ret := m.Called(ctx, path, data, mode)
	return ret.String(0), ret.Error(1)
}

func (m *MockStore) Delete(ctx context.Context, path string, version int32) error {
	ret := m.Called(ctx, path, version)
	return ret.Error(0)
}

func (m *MockStore) Exists(ctx context.Context, path string, w Watcher) (*Stat, error) {
	ret := m.Called(ctx, path, w)
	stat, _ := ret.Get(0).(*Stat)
	return stat, ret.Error(1)
}

func (m *MockStore) Get(ctx context.Context, path string, w Watcher) ([]byte, *Stat, error) {
	ret := m.Called(ctx, path, w)
	data, _ := ret.Get(0).([]byte)
	stat, _ := ret.Get(1).(*Stat)
	return data, stat, ret.Error(2)
}

func (m *MockStore) Set(ctx context.Context, path string, data []byte, version int32) (*Stat, error) {
	ret := m.Called(ctx, path, data, version)
	stat, _ := ret.Get(0).(*Stat)
	return stat, ret.Error(1)
}

func (m *MockStore) Children(ctx context.Context, path string, w Watcher) ([]string, error) {
	ret := m.Called(ctx, path, w)
	children, _ := ret.Get(0).([]string)
	return children, ret.Error(1)
}

func (m *MockStore) AddConnectionListener(l ConnectionListener) func() {
	ret := m.Called(l)
	if fn, ok := ret.Get(0).(func()); ok {
		return fn
	}
	return func() {}
}

func (m *MockStore) Connected() bool {
	ret := m.Called()
	return ret.Bool(0)
}

func (m *MockStore) Close() error {
	ret := m.Called()
	return ret.Error(0)
}
