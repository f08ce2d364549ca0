package host

import (
	"github.com/any-hub/modgate/internal/modregistry"
	"github.com/any-hub/modgate/internal/versioncheck"
)

// ModuleView 是诊断接口中单个模块的视图。
type ModuleView struct {
	ID             string              `json:"id"`
	RemoteLocation string              `json:"remote_location"`
	RemoteVersion  string              `json:"remote_version"`
	Description    string              `json:"description,omitempty"`
	LoadedVersion  string              `json:"loaded_version,omitempty"`
	Offer          *versioncheck.Offer `json:"offer,omitempty"`
}

// Modules 按 id 顺序返回全部已登记模块及其加载状态。
func (h *Host) Modules() []ModuleView {
	descriptors := h.Registry.List()
	views := make([]ModuleView, 0, len(descriptors))
	for _, desc := range descriptors {
		views = append(views, h.view(desc))
	}
	return views
}

// Module 返回单个模块的视图。
func (h *Host) Module(id string) (ModuleView, bool) {
	desc, ok := h.Registry.Get(id)
	if !ok {
		return ModuleView{}, false
	}
	return h.view(desc), true
}

func (h *Host) view(desc modregistry.Descriptor) ModuleView {
	view := ModuleView{
		ID:             desc.ID,
		RemoteLocation: desc.RemoteLocation,
		RemoteVersion:  desc.RemoteVersion,
		Description:    desc.Description,
	}
	if loaded, ok := h.Ledger.Version(desc.ID); ok {
		view.LoadedVersion = loaded
	}
	if offer, ok := h.Checker.Check(desc.ID); ok {
		view.Offer = &offer
	}
	return view
}
