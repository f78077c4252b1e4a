// Package mocks provides test doubles for the compute client.
package mocks

import (
	"context"

	mock "github.com/stretchr/testify/mock"

	compute "github.com/sells-group/clearwater/pkg/compute"
)

// MockClient is a mock type for the Client interface.
type MockClient struct {
	mock.Mock
}

// Evaluate provides a mock function with given fields: ctx, req
func (_m *MockClient) Evaluate(ctx context.Context, req compute.EvaluateRequest) (*compute.EvaluateResponse, error) {
	ret := _m.Called(ctx, req)

	if len(ret) == 0 {
		panic("no return value specified for Evaluate")
	}

	var r0 *compute.EvaluateResponse
	var r1 error
	if rf, ok := ret.Get(0).(func(context.Context, compute.EvaluateRequest) (*compute.EvaluateResponse, error)); ok {
		return rf(ctx, req)
	}
	if rf, ok := ret.Get(0).(func(context.Context, compute.EvaluateRequest) *compute.EvaluateResponse); ok {
		r0 = rf(ctx, req)
	} else {
		if ret.Get(0) != nil {
			r0 = ret.Get(0).(*compute.EvaluateResponse)
		}
	}

	if rf, ok := ret.Get(1).(func(context.Context, compute.EvaluateRequest) error); ok {
		r1 = rf(ctx, req)
	} else {
		r1 = ret.Error(1)
	}

	return r0, r1
}

// StartExport provides a mock function with given fields: ctx, req
func (_m *MockClient) StartExport(ctx context.Context, req compute.ExportRequest) (*compute.Task, error) {
	ret := _m.Called(ctx, req)

	if len(ret) == 0 {
		panic("no return value specified for StartExport")
	}

	var r0 *compute.Task
	var r1 error
	if rf, ok := ret.Get(0).(func(context.Context, compute.ExportRequest) (*compute.Task, error)); ok {
		return rf(ctx, req)
	}
	if rf, ok := ret.Get(0).(func(context.Context, compute.ExportRequest) *compute.Task); ok {
		r0 = rf(ctx, req)
	} else {
		if ret.Get(0) != nil {
			r0 = ret.Get(0).(*compute.Task)
		}
	}

	if rf, ok := ret.Get(1).(func(context.Context, compute.ExportRequest) error); ok {
		r1 = rf(ctx, req)
	} else {
		r1 = ret.Error(1)
	}

	return r0, r1
}

// GetTask provides a mock function with given fields: ctx, id
func (_m *MockClient) GetTask(ctx context.Context, id string) (*compute.Task, error) {
	ret := _m.Called(ctx, id)

	if len(ret) == 0 {
		panic("no return value specified for GetTask")
	}

	var r0 *compute.Task
	var r1 error
	if rf, ok := ret.Get(0).(func(context.Context, string) (*compute.Task, error)); ok {
		return rf(ctx, id)
	}
	if rf, ok := ret.Get(0).(func(context.Context, string) *compute.Task); ok {
		r0 = rf(ctx, id)
	} else {
		if ret.Get(0) != nil {
			r0 = ret.Get(0).(*compute.Task)
		}
	}

	if rf, ok := ret.Get(1).(func(context.Context, string) error); ok {
		r1 = rf(ctx, id)
	} else {
		r1 = ret.Error(1)
	}

	return r0, r1
}

// ActiveTasks provides a mock function with given fields: ctx
func (_m *MockClient) ActiveTasks(ctx context.Context) (int, error) {
	ret := _m.Called(ctx)

	if len(ret) == 0 {
		panic("no return value specified for ActiveTasks")
	}

	var r0 int
	var r1 error
	if rf, ok := ret.Get(0).(func(context.Context) (int, error)); ok {
		return rf(ctx)
	}
	if rf, ok := ret.Get(0).(func(context.Context) int); ok {
		r0 = rf(ctx)
	} else {
		r0 = ret.Get(0).(int)
	}

	if rf, ok := ret.Get(1).(func(context.Context) error); ok {
		r1 = rf(ctx)
	} else {
		r1 = ret.Error(1)
	}

	return r0, r1
}

// NewMockClient creates a new instance of MockClient. It also registers a
// testing interface on the mock and a cleanup function to assert the mocks
// expectations.
func NewMockClient(t interface {
	mock.TestingT
	Cleanup(func())
}) *MockClient {
	mock := &MockClient{}
	mock.Test(t)

	t.Cleanup(func() { mock.AssertExpectations(t) })

	return mock
}
