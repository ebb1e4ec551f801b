package tools

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/hiveworks/hived/pkg/models"
	"github.com/hiveworks/hived/pkg/store"
)

func (e *Executor) registerArtifactTools() {
	e.register("put_artifact", toolSpec{
		group:       models.GroupArtifact,
		description: "Store content in the shared artifact store and get back a reference id.",
		parameters: objSchema(map[string]any{
			"content":  strProp("Artifact body. Use encoding=base64 for binary data."),
			"name":     strProp("Display name, extension included when known."),
			"encoding": strProp("Content encoding: utf8 (default) or base64."),
		}, "content"),
		run: runPutArtifact,
	})
	e.register("get_artifact", toolSpec{
		group:       models.GroupArtifact,
		description: "Fetch an artifact by reference id. Text content is returned inline.",
		parameters: objSchema(map[string]any{
			"ref": strProp("Artifact id."),
		}, "ref"),
		run: runGetArtifact,
	})
}

func runPutArtifact(e *Executor, _ context.Context, tc TurnContext, raw string) outcome {
	var args struct {
		Content  string `json:"content"`
		Name     string `json:"name"`
		Encoding string `json:"encoding"`
	}
	if err := parseArgs(raw, &args); err != nil {
		return argParseFailure(err)
	}

	body := []byte(args.Content)
	if args.Encoding == "base64" {
		decoded, err := base64.StdEncoding.DecodeString(args.Content)
		if err != nil {
			return fail(models.ErrKindInvalidArgument, "content is not valid base64: "+err.Error())
		}
		body = decoded
	}

	meta, err := e.artifacts.Put(tc.CallerID, args.Name, body)
	if err != nil {
		return fail(models.ErrKindToolExecution, err.Error())
	}
	return succeed(artifactMetaView(meta))
}

func runGetArtifact(e *Executor, _ context.Context, _ TurnContext, raw string) outcome {
	var args struct {
		Ref string `json:"ref"`
	}
	if err := parseArgs(raw, &args); err != nil {
		return argParseFailure(err)
	}
	if args.Ref == "" {
		return fail(models.ErrKindInvalidArgument, "ref is required")
	}

	meta, content, err := e.artifacts.Get(args.Ref)
	if err != nil {
		if errors.Is(err, store.ErrArtifactNotFound) {
			return fail(models.ErrKindArtifactNotFound, "no artifact "+args.Ref)
		}
		return fail(models.ErrKindToolExecution, err.Error())
	}

	view := artifactMetaView(meta)
	switch {
	case len(content) > e.cfg.MaxResultBytes:
		view["note"] = fmt.Sprintf("content is %d bytes, too large to inline; attach it to a message by ref instead", len(content))
	case meta.Binary:
		view["contentBase64"] = base64.StdEncoding.EncodeToString(content)
	default:
		view["content"] = string(content)
	}
	return succeed(view)
}

func artifactMetaView(meta *store.ArtifactMeta) map[string]any {
	v := map[string]any{
		"ref":    meta.ID,
		"mime":   meta.Mime,
		"size":   meta.Size,
		"binary": meta.Binary,
	}
	if meta.Name != "" {
		v["name"] = meta.Name
	}
	return v
}
