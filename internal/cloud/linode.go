package cloud

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"net/http"

	"github.com/juju/errors"
	"github.com/juju/utils/v4"
	"github.com/linode/linodego"
	"golang.org/x/oauth2"
)

const userAgent = "stackzilla-linode-provider/0.1.0"

// LinodeClient implements Client on the Linode API v4.
type LinodeClient struct {
	api *linodego.Client
}

var _ Client = (*LinodeClient)(nil)

// NewLinodeClient authenticates every request with token.
func NewLinodeClient(token string) *LinodeClient {
	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
	hc := &http.Client{Transport: &oauth2.Transport{Source: ts}}
	api := linodego.NewClient(hc)
	api.SetUserAgent(userAgent)
	return &LinodeClient{api: &api}
}

// apiError converts a linodego error into *Error.
func apiError(op string, err error) error {
	if err == nil {
		return nil
	}
	var lerr *linodego.Error
	if errors.As(err, &lerr) {
		return &Error{Op: op, Code: lerr.Code, Message: lerr.Message}
	}
	return &Error{Op: op, Message: err.Error()}
}

// CreateInstance creates and boots an instance. The root password is
// generated here and returned on the Instance.
func (c *LinodeClient) CreateInstance(ctx context.Context, spec InstanceSpec) (*Instance, error) {
	password := rootPassword()
	opts := linodego.InstanceCreateOptions{
		Region:         spec.Region,
		Type:           spec.Type,
		Image:          spec.Image,
		Label:          spec.Label,
		Group:          spec.Group,
		Tags:           spec.Tags,
		PrivateIP:      spec.PrivateIP,
		AuthorizedKeys: spec.AuthorizedKeys,
		RootPass:       password,
	}
	inst, err := c.api.CreateInstance(ctx, opts)
	if err != nil {
		return nil, apiError("create instance", err)
	}
	out := fromLinodeInstance(inst)
	out.RootPassword = password
	return out, nil
}

// GetInstance fetches the current state of an instance.
func (c *LinodeClient) GetInstance(ctx context.Context, id int) (*Instance, error) {
	inst, err := c.api.GetInstance(ctx, id)
	if err != nil {
		return nil, apiError("get instance", err)
	}
	return fromLinodeInstance(inst), nil
}

// ResizeInstance starts an asynchronous resize. No other resize may be
// issued until it completes.
func (c *LinodeClient) ResizeInstance(ctx context.Context, id int, instanceType string) error {
	return apiError("resize instance", c.api.ResizeInstance(ctx, id, linodego.InstanceResizeOptions{
		Type: instanceType,
	}))
}

// UpdateInstance writes label, group and tags.
func (c *LinodeClient) UpdateInstance(ctx context.Context, id int, update InstanceUpdate) error {
	var opts linodego.InstanceUpdateOptions
	if update.Label != nil {
		opts.Label = *update.Label
	}
	opts.Group = update.Group
	opts.Tags = update.Tags
	_, err := c.api.UpdateInstance(ctx, id, opts)
	return apiError("update instance", err)
}

// DeleteInstance requests deletion without waiting for it to finish.
func (c *LinodeClient) DeleteInstance(ctx context.Context, id int) error {
	return apiError("delete instance", c.api.DeleteInstance(ctx, id))
}

// CreateVolume requests a new unattached volume.
func (c *LinodeClient) CreateVolume(ctx context.Context, spec VolumeSpec) (*Volume, error) {
	vol, err := c.api.CreateVolume(ctx, linodego.VolumeCreateOptions{
		Region: spec.Region,
		Size:   spec.Size,
		Label:  spec.Label,
		Tags:   spec.Tags,
	})
	if err != nil {
		return nil, apiError("create volume", err)
	}
	return fromLinodeVolume(vol), nil
}

// GetVolume fetches the current state of a volume. The body is decoded by
// hand because linodego.Volume drops hardware_type.
func (c *LinodeClient) GetVolume(ctx context.Context, id int) (*Volume, error) {
	resp, err := c.api.R(ctx).Get(fmt.Sprintf("volumes/%d", id))
	if err != nil {
		return nil, apiError("get volume", err)
	}
	if resp.IsError() {
		return nil, apiError("get volume", linodego.NewError(resp))
	}
	vol, err := decodeVolume(resp.Body())
	if err != nil {
		return nil, apiError("get volume", err)
	}
	return vol, nil
}

// ResizeVolume grows a volume.
func (c *LinodeClient) ResizeVolume(ctx context.Context, id int, size int) error {
	return apiError("resize volume", c.api.ResizeVolume(ctx, id, size))
}

// UpdateVolume writes label and tags.
func (c *LinodeClient) UpdateVolume(ctx context.Context, id int, update VolumeUpdate) error {
	var opts linodego.VolumeUpdateOptions
	if update.Label != nil {
		opts.Label = *update.Label
	}
	opts.Tags = update.Tags
	_, err := c.api.UpdateVolume(ctx, id, opts)
	return apiError("update volume", err)
}

// AttachVolume requests attachment to an instance. The control plane
// accepts the request before the attachment exists.
func (c *LinodeClient) AttachVolume(ctx context.Context, id int, instanceID int) error {
	_, err := c.api.AttachVolume(ctx, id, &linodego.VolumeAttachOptions{LinodeID: instanceID})
	return apiError("attach volume", err)
}

// DetachVolume requests detachment. Dropped requests are not reported.
func (c *LinodeClient) DetachVolume(ctx context.Context, id int) error {
	return apiError("detach volume", c.api.DetachVolume(ctx, id))
}

// DeleteVolume deletes a detached volume.
func (c *LinodeClient) DeleteVolume(ctx context.Context, id int) error {
	return apiError("delete volume", c.api.DeleteVolume(ctx, id))
}

func fromLinodeInstance(inst *linodego.Instance) *Instance {
	out := &Instance{
		ID:     inst.ID,
		Label:  inst.Label,
		Group:  inst.Group,
		Type:   inst.Type,
		Region: inst.Region,
		Image:  inst.Image,
		Status: string(inst.Status),
		Tags:   inst.Tags,
		IPv6:   inst.IPv6,
	}
	for _, ip := range inst.IPv4 {
		if ip != nil {
			out.IPv4 = append(out.IPv4, ip.String())
		}
	}
	return out
}

func fromLinodeVolume(vol *linodego.Volume) *Volume {
	out := &Volume{
		ID:             vol.ID,
		Label:          vol.Label,
		Region:         vol.Region,
		Size:           vol.Size,
		Status:         string(vol.Status),
		Tags:           vol.Tags,
		FilesystemPath: vol.FilesystemPath,
	}
	if vol.LinodeID != nil {
		out.InstanceID = *vol.LinodeID
	}
	return out
}

// decodeVolume reads a volume response body, keeping hardware_type.
func decodeVolume(body []byte) (*Volume, error) {
	var vol linodego.Volume
	if err := json.Unmarshal(body, &vol); err != nil {
		return nil, errors.Annotate(err, "decoding volume")
	}
	var extra struct {
		HardwareType string `json:"hardware_type"`
	}
	if err := json.Unmarshal(body, &extra); err != nil {
		return nil, errors.Annotate(err, "decoding volume")
	}
	out := fromLinodeVolume(&vol)
	out.HardwareType = extra.HardwareType
	return out, nil
}

// rootPassword returns a random root password with at least one lower-case
// letter, one upper-case letter and one digit.
func rootPassword() string {
	validRunes := append([]rune{}, utils.LowerAlpha...)
	validRunes = append(validRunes, utils.UpperAlpha...)
	validRunes = append(validRunes, utils.Digits...)

	password := []rune(utils.RandomString(8, utils.LowerAlpha) +
		utils.RandomString(8, utils.UpperAlpha) +
		utils.RandomString(8, utils.Digits) +
		utils.RandomString(8, validRunes))
	rand.Shuffle(len(password), func(i, j int) {
		password[i], password[j] = password[j], password[i]
	})
	return string(password)
}
