package webrtc

import "html/template"

var viewerPage = template.Must(template.New("viewer").Parse(`<!DOCTYPE html>
<html><head><meta charset="utf-8"><title>Stream</title>
<style>body{margin:0;background:#000}video{display:block;margin:auto;max-width:100vw;max-height:100vh}</style>
</head><body><video id="v" autoplay playsinline muted></video>
<script>
const pc = new RTCPeerConnection();
const ws = new WebSocket((location.protocol === "https:" ? "wss://" : "ws://") + location.host + "/ws" + location.search);
pc.ontrack = e => { document.getElementById("v").srcObject = e.streams[0] || new MediaStream([e.track]); };
pc.onicecandidate = e => { if (e.candidate) ws.send(JSON.stringify({type: "candidate", candidate: e.candidate.toJSON()})); };
ws.onmessage = async m => {
  const msg = JSON.parse(m.data);
  if (msg.type === "offer") {
    await pc.setRemoteDescription(msg.offer);
    await pc.setLocalDescription(await pc.createAnswer());
    ws.send(JSON.stringify({type: "answer", answer: pc.localDescription}));
  } else if (msg.type === "candidate") {
    await pc.addIceCandidate(msg.candidate);
  }
};
window.onbeforeunload = () => ws.send(JSON.stringify({type: "bye"}));
</script></body></html>`))
