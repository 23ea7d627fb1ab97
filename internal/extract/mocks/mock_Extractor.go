// Package mocks provides test doubles for the extract package.
package mocks

import (
	"context"

	extract "github.com/sells-group/synthesis-cli/internal/extract"
	mock "github.com/stretchr/testify/mock"
)

// MockExtractor is a mock type for the Extractor interface.
type MockExtractor struct {
	mock.Mock
}

// Name provides a mock function with given fields:
func (_m *MockExtractor) Name() string {
	ret := _m.Called()

	if len(ret) == 0 {
		panic("no return value specified for Name")
	}

	var r0 string
	if rf, ok := ret.Get(0).(func() string); ok {
		r0 = rf()
	} else {
		r0 = ret.Get(0).(string)
	}

	return r0
}

// Extract provides a mock function with given fields: ctx, req
func (_m *MockExtractor) Extract(ctx context.Context, req extract.Request) (*extract.Response, error) {
	ret := _m.Called(ctx, req)

	if len(ret) == 0 {
		panic("no return value specified for Extract")
	}

	var r0 *extract.Response
	var r1 error
	if rf, ok := ret.Get(0).(func(context.Context, extract.Request) (*extract.Response, error)); ok {
		return rf(ctx, req)
	}
	if rf, ok := ret.Get(0).(func(context.Context, extract.Request) *extract.Response); ok {
		r0 = rf(ctx, req)
	} else {
		if ret.Get(0) != nil {
			r0 = ret.Get(0).(*extract.Response)
		}
	}

	if rf, ok := ret.Get(1).(func(context.Context, extract.Request) error); ok {
		r1 = rf(ctx, req)
	} else {
		r1 = ret.Error(1)
	}

	return r0, r1
}

// NewMockExtractor creates a new instance of MockExtractor.
func NewMockExtractor(t interface {
	mock.TestingT
	Cleanup(func())
}) *MockExtractor {
	mock := &MockExtractor{}
	mock.Test(t)

	t.Cleanup(func() { mock.AssertExpectations(t) })

	return mock
}
