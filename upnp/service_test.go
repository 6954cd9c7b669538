package upnp

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustServiceType(t *testing.T, s string) ResourceType {
	t.Helper()
	rt, err := ParseResourceType(s)
	require.NoError(t, err)
	return rt
}

func newTestService(t *testing.T) *Service {
	t.Helper()
	svc, err := NewService(ServiceDefinition{
		ServiceID:   "urn:upnp-org:serviceId:SwitchPower",
		ServiceType: mustServiceType(t, "urn:schemas-upnp-org:service:SwitchPower:1"),
		SCPDURL:     "/scpd.xml",
		ControlURL:  "/control",
		EventSubURL: "/event",
	})
	require.NoError(t, err)

	status, err := NewStateVariable(StateVariableDefinition{
		Name:         "Status",
		Type:         DataTypeBoolean,
		Eventing:     EventingYes,
		DefaultValue: "0",
	})
	require.NoError(t, err)
	require.NoError(t, svc.AddStateVariable(status))

	level, err := NewStateVariable(StateVariableDefinition{
		Name:         "Level",
		Type:         DataTypeUI1,
		Eventing:     EventingNo,
		DefaultValue: "0",
		AllowedRange: &AllowedValueRange{Min: 0, Max: 100, Step: 1},
	})
	require.NoError(t, err)
	require.NoError(t, svc.AddStateVariable(level))

	return svc
}

func TestServiceStateVariableUniqueness(t *testing.T) {
	svc := newTestService(t)
	dup, err := NewStateVariable(StateVariableDefinition{Name: "Status", Type: DataTypeString})
	require.NoError(t, err)
	assert.Error(t, svc.AddStateVariable(dup))
}

func TestServiceIsEvented(t *testing.T) {
	svc := newTestService(t)
	assert.True(t, svc.IsEvented())

	plain, err := NewService(ServiceDefinition{
		ServiceID:   "urn:upnp-org:serviceId:Plain",
		ServiceType: mustServiceType(t, "urn:schemas-upnp-org:service:Plain:1"),
	})
	require.NoError(t, err)
	sv, err := NewStateVariable(StateVariableDefinition{Name: "X", Type: DataTypeString})
	require.NoError(t, err)
	require.NoError(t, plain.AddStateVariable(sv))
	assert.False(t, plain.IsEvented())
}

func TestServiceUpdateNotifiesEventedOnly(t *testing.T) {
	svc := newTestService(t)

	var changes []StateVariableChange
	svc.OnChange(func(c StateVariableChange) {
		changes = append(changes, c)
	})

	require.NoError(t, svc.Update("Status", "1"))
	require.NoError(t, svc.Update("Level", "50"))

	require.Len(t, changes, 1, "only the evented variable notifies")
	assert.Equal(t, "Status", changes[0].Variable.Name())
	assert.Equal(t, "1", changes[0].Value)
	assert.Equal(t, "1", svc.StateVariable("Status").Value())
	assert.Equal(t, "50", svc.StateVariable("Level").Value())
}

func TestServiceUpdateManyAllOrNothing(t *testing.T) {
	svc := newTestService(t)

	var notified int
	svc.OnChange(func(StateVariableChange) { notified++ })

	err := svc.UpdateMany([]StateVariableValue{
		{Name: "Status", Value: "1"},
		{Name: "Level", Value: "999"}, // out of range, must abort the whole batch
	}, true)
	require.Error(t, err)

	var actionErr *ActionError
	require.ErrorAs(t, err, &actionErr)
	assert.Equal(t, ActionErrorArgumentValueOutOfRange, actionErr.Code)

	assert.Equal(t, "0", svc.StateVariable("Status").Value(), "no visible change after failed batch")
	assert.Equal(t, "0", svc.StateVariable("Level").Value())
	assert.Zero(t, notified)
}

func TestServiceUpdateManySuppressedEvents(t *testing.T) {
	svc := newTestService(t)

	var notified int
	svc.OnChange(func(StateVariableChange) { notified++ })

	require.NoError(t, svc.UpdateMany([]StateVariableValue{
		{Name: "Status", Value: "1"},
	}, false))
	assert.Zero(t, notified)
	assert.Equal(t, "1", svc.StateVariable("Status").Value())
}

func TestServiceDispose(t *testing.T) {
	svc := newTestService(t)
	svc.dispose()

	assert.True(t, svc.IsDisposed())
	assert.Nil(t, svc.StateVariable("Status"))
	assert.Nil(t, svc.Action("anything"))
	assert.ErrorIs(t, svc.Update("Status", "1"), ErrDisposed)
}

func TestActionInvoke(t *testing.T) {
	svc := newTestService(t)

	action, err := NewAction("SetLevel", []*Argument{
		{Name: "NewLevel", Direction: ArgumentIn, RelatedStateVariable: "Level"},
		{Name: "OldLevel", Direction: ArgumentOut, RelatedStateVariable: "Level", RetVal: true},
	}, func(ctx context.Context, in *ActionArguments) (*ActionArguments, error) {
		out := NewActionArguments()
		out.Set("OldLevel", svc.StateVariable("Level").Value())
		v, _ := in.Get("NewLevel")
		if err := svc.Update("Level", v); err != nil {
			return nil, err
		}
		return out, nil
	})
	require.NoError(t, err)
	require.NoError(t, svc.AddAction(action))

	in := NewActionArguments()
	in.Set("NewLevel", "42")
	out, err := action.Invoke(context.Background(), in)
	require.NoError(t, err)
	old, ok := out.Get("OldLevel")
	require.True(t, ok)
	assert.Equal(t, "0", old)
	assert.Equal(t, "42", svc.StateVariable("Level").Value())
}

func TestActionInvokeValidation(t *testing.T) {
	svc := newTestService(t)
	action, err := NewAction("SetLevel", []*Argument{
		{Name: "NewLevel", Direction: ArgumentIn, RelatedStateVariable: "Level"},
	}, func(ctx context.Context, in *ActionArguments) (*ActionArguments, error) {
		return nil, nil
	})
	require.NoError(t, err)
	require.NoError(t, svc.AddAction(action))

	// missing argument -> 402
	_, err = action.Invoke(context.Background(), NewActionArguments())
	var actionErr *ActionError
	require.ErrorAs(t, err, &actionErr)
	assert.Equal(t, ActionErrorInvalidArgs, actionErr.Code)

	// out of range -> 601
	in := NewActionArguments()
	in.Set("NewLevel", "101")
	_, err = action.Invoke(context.Background(), in)
	require.ErrorAs(t, err, &actionErr)
	assert.Equal(t, ActionErrorArgumentValueOutOfRange, actionErr.Code)

	// unknown argument -> 402
	in = NewActionArguments()
	in.Set("NewLevel", "10")
	in.Set("Bogus", "1")
	_, err = action.Invoke(context.Background(), in)
	require.ErrorAs(t, err, &actionErr)
	assert.Equal(t, ActionErrorInvalidArgs, actionErr.Code)
}

func TestNewActionRejectsBadDefinitions(t *testing.T) {
	_, err := NewAction("A", []*Argument{
		{Name: "X", Direction: ArgumentIn},
		{Name: "X", Direction: ArgumentOut},
	}, nil)
	assert.Error(t, err, "duplicate argument names")

	_, err = NewAction("A", []*Argument{
		{Name: "X", Direction: ArgumentIn, RetVal: true},
	}, nil)
	assert.Error(t, err, "retval on input")

	_, err = NewAction("A", []*Argument{
		{Name: "X", Direction: ArgumentOut, RetVal: true},
		{Name: "Y", Direction: ArgumentOut, RetVal: true},
	}, nil)
	assert.Error(t, err, "two retvals")
}
