package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"path/filepath"
	"time"

	"github.com/hydraresearch/nautilus/gcode"
	"github.com/hydraresearch/nautilus/printer"
	"github.com/hydraresearch/nautilus/provision"
	"github.com/hydraresearch/nautilus/registry"
)

// maxJobSize bounds a multipart job upload held in memory.
const maxJobSize = 64 << 20

// registerPrinterHandlers sets up /printers/* routes.
func (s *Server) registerPrinterHandlers() {
	s.mux.HandleFunc("GET /printers", s.handlePrinterList)
	s.mux.HandleFunc("POST /printers", s.handlePrinterSave)
	s.mux.HandleFunc("GET /printers/{name}", s.handlePrinterGet)
	s.mux.HandleFunc("DELETE /printers/{name}", s.handlePrinterDelete)
	s.mux.HandleFunc("GET /printers/{name}/state", s.handlePrinterState)
	s.mux.HandleFunc("POST /printers/{name}/jobs", s.handlePrinterJob)
	s.mux.HandleFunc("POST /printers/{name}/reset", s.handlePrinterReset)
	s.mux.HandleFunc("POST /printers/{name}/check", s.handlePrinterCheck)
	s.mux.HandleFunc("POST /printers/{name}/update", s.handlePrinterUpdate)
	s.mux.HandleFunc("GET /discover", s.handleDiscover)
}

// printerView is an instance together with its live device state.
type printerView struct {
	registry.Instance
	State        *printer.StateData `json:"state,omitempty"`
	UpdateStatus string             `json:"update_status,omitempty"`
}

func (s *Server) view(inst registry.Instance) printerView {
	v := printerView{Instance: inst}
	if d, err := s.printers.Get(inst.Name); err == nil {
		snap := d.Snapshot()
		v.State = &snap
	}
	return v
}

func (s *Server) printerList() []printerView {
	instances := s.registry.All()
	out := make([]printerView, 0, len(instances))
	for _, inst := range instances {
		out = append(out, s.view(inst))
	}
	return out
}

func (s *Server) handlePrinterList(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]interface{}{
		"result": s.printerList(),
	})
}

// saveRequest carries the secrets the Instance JSON form leaves out.
type saveRequest struct {
	OldName      string `json:"old_name"`
	Name         string `json:"name"`
	URL          string `json:"url"`
	Password     string `json:"password"`
	HTTPUser     string `json:"http_user"`
	HTTPPassword string `json:"http_password"`
}

func (s *Server) handlePrinterSave(w http.ResponseWriter, r *http.Request) {
	var req saveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	inst := registry.Instance{
		Name:         req.Name,
		URL:          req.URL,
		Password:     req.Password,
		HTTPUser:     req.HTTPUser,
		HTTPPassword: req.HTTPPassword,
	}
	if err := s.registry.Save(req.OldName, inst); err != nil {
		writeError(w, err)
		return
	}

	saved, err := s.registry.Load(inst.Name)
	if err != nil {
		writeError(w, err)
		return
	}
	s.hub.Broadcast("notify_printers_changed", []interface{}{
		map[string]interface{}{"action": "save", "printer": saved.Name, "old_name": req.OldName},
	})
	writeJSON(w, map[string]interface{}{
		"result": s.view(saved),
	})
}

func (s *Server) handlePrinterGet(w http.ResponseWriter, r *http.Request) {
	inst, err := s.registry.Load(r.PathValue("name"))
	if err != nil {
		writeError(w, err)
		return
	}

	v := s.view(inst)
	if latest := r.URL.Query().Get("latest"); latest != "" {
		status, err := s.registry.NeedsUpdate(inst.Name, latest)
		if err != nil {
			writeError(w, err)
			return
		}
		v.UpdateStatus = status
	}
	writeJSON(w, map[string]interface{}{
		"result": v,
	})
}

func (s *Server) handlePrinterDelete(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if err := s.registry.Remove(name); err != nil {
		writeError(w, err)
		return
	}
	s.hub.Broadcast("notify_printers_changed", []interface{}{
		map[string]interface{}{"action": "remove", "printer": name},
	})
	writeJSON(w, map[string]interface{}{
		"result": map[string]interface{}{"removed": name},
	})
}

func (s *Server) handlePrinterState(w http.ResponseWriter, r *http.Request) {
	d, err := s.printers.Get(r.PathValue("name"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, map[string]interface{}{
		"result": d.Snapshot(),
	})
}

func (s *Server) handlePrinterReset(w http.ResponseWriter, r *http.Request) {
	d, err := s.printers.Get(r.PathValue("name"))
	if err != nil {
		writeError(w, err)
		return
	}
	d.Reset()
	writeJSON(w, map[string]interface{}{
		"result": d.Snapshot(),
	})
}

// handlePrinterJob stores a multipart "file" upload and writes it to the
// printer. Form values: "mode" (upload, print, simulate) and an optional
// "name" for the remote file. The call returns once the write finished.
func (s *Server) handlePrinterJob(w http.ResponseWriter, r *http.Request) {
	d, err := s.printers.Get(r.PathValue("name"))
	if err != nil {
		writeError(w, err)
		return
	}
	if d.Busy() {
		writeError(w, printer.ErrDeviceBusy)
		return
	}

	if err := r.ParseMultipartForm(maxJobSize); err != nil {
		writeJSONError(w, http.StatusBadRequest, "failed to parse form")
		return
	}
	mode, err := printer.ParseMode(r.FormValue("mode"))
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "missing file field")
		return
	}
	defer file.Close()

	stored := fmt.Sprintf("%d-%s", time.Now().UnixNano(), filepath.Base(header.Filename))
	path, err := s.files.SaveJob(stored, file)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	defer func() {
		if err := s.files.DeleteJob(stored); err != nil {
			log.Printf("Removing stored job %s: %v", stored, err)
		}
	}()

	src := gcode.FileWriter{Path: path}
	meta, err := src.Meta()
	if err != nil {
		log.Printf("Reading metadata of %s: %v", header.Filename, err)
	}
	if meta.JobName == "" || meta.JobName == trimExt(stored) {
		meta.JobName = trimExt(header.Filename)
	}

	job := printer.Job{Writer: src, Meta: meta, Mode: mode, Name: r.FormValue("name")}
	if err := d.RequestWrite(r.Context(), job); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, map[string]interface{}{
		"result": d.Snapshot(),
	})
}

func trimExt(name string) string {
	name = filepath.Base(name)
	return name[:len(name)-len(filepath.Ext(name))]
}

// checkRequest optionally pins the version compared against.
type checkRequest struct {
	Latest string `json:"latest"`
}

func (s *Server) handlePrinterCheck(w http.ResponseWriter, r *http.Request) {
	var req checkRequest
	if err := decodeOptional(r, &req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	res, err := s.updater.Check(r.Context(), r.PathValue("name"), req.Latest)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, map[string]interface{}{
		"result": res,
	})
}

// updateRequest names local bundles. Without them the latest release is
// downloaded.
type updateRequest struct {
	Tag       string `json:"tag"`
	ConfigZip string `json:"config_zip"`
	MacrosZip string `json:"macros_zip"`
}

func (s *Server) handlePrinterUpdate(w http.ResponseWriter, r *http.Request) {
	var req updateRequest
	if err := decodeOptional(r, &req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	var bundle *provision.Bundle
	if req.ConfigZip != "" || req.MacrosZip != "" {
		bundle = &provision.Bundle{Tag: req.Tag, ConfigZip: req.ConfigZip, MacrosZip: req.MacrosZip}
	}

	name := r.PathValue("name")
	if err := s.updater.Update(r.Context(), name, bundle); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, map[string]interface{}{
		"result": map[string]interface{}{"printer": name, "updated": true},
	})
}

func (s *Server) handleDiscover(w http.ResponseWriter, r *http.Request) {
	timeout := 2 * time.Second
	if v := r.URL.Query().Get("timeout"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid timeout")
			return
		}
		timeout = d
	}

	found, err := s.discover(r.Context(), timeout)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if found == nil {
		found = []printer.DiscoveredPrinter{}
	}
	writeJSON(w, map[string]interface{}{
		"result": found,
	})
}

// decodeOptional decodes a JSON body when one was sent.
func decodeOptional(r *http.Request, v interface{}) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	err := json.NewDecoder(r.Body).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

func (s *Server) registerFileHandlers() {
	s.mux.HandleFunc("GET /files", s.handleFiles)
}

func (s *Server) handleFiles(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]interface{}{
		"result": map[string]interface{}{
			"bundles": s.files.ListBundles(),
			"usage":   s.files.Usage(),
		},
	})
}
